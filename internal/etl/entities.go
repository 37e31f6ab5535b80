package etl

import "docload/internal/domain"

// ── Entity catalog ─────────────────────────────────────────
// The structured build of the company register: companies with their
// people, persons with their roles, ownerships, shareholder registers and
// election candidates. Source names are the raw table/collection names.

// DefaultEntities returns the built-in structured catalog.
func DefaultEntities() []Entity {
	return []Entity{
		selskapEntity(),
		personEntity(),
		eierskapEntity(),
		aksjeeiebokEntity(),
		politikereEntity(),
	}
}

func selskapEntity() Entity {
	return Entity{
		TargetDescriptor: TargetDescriptor{
			Collection: "selskap",
			Indexes: []domain.IndexSpec{
				domain.UniqueAscending("orgnr"),
				domain.Ascending("navn"),
				domain.Ascending("personer.navn"),
			},
		},
		Mode:   ModeEmbed,
		Source: SourceDescriptor{Name: "selskap"},
		Key:    "orgnr",
		Fields: []FieldSpec{
			F("orgnr"),
			F("uuid"),
			F("navn"),
			F("organisasjonstype"),
			F("nacekode"),
			F("etablertdato"),
			F("oppløstdato"),
			F("konkursflagg"),
			F("likvidasjonflagg"),
		},
		Embed: &EmbedSpec{
			As:         "personer",
			Source:     SourceDescriptor{Name: "person"},
			ForeignKey: "selskaporgnr",
			Fields: []FieldSpec{
				F("navn"),
				FC("rolle", "selskaprolle"),
				F("rolleuuid"),
				F("rollestartdato"),
				F("rollesluttdato"),
				F("kommunenavn"),
			},
		},
	}
}

func personEntity() Entity {
	return Entity{
		TargetDescriptor: TargetDescriptor{
			Collection: "person",
			Indexes:    []domain.IndexSpec{domain.UniqueAscending("uuid")},
		},
		Mode:   ModeGroup,
		Source: SourceDescriptor{Name: "person"},
		Key:    "uuid",
		Fields: []FieldSpec{
			F("uuid"),
			F("navn"),
			FC("foedselsdato", "fødselsdato"),
			FC("foedselsaar", "fødselsår"),
			FC("kjonnuuid", "kjønnuuid"),
			Nested("adresse",
				F("adresse"),
				F("postnummer"),
				F("poststed"),
				F("land"),
				F("landkode"),
			),
			Nested("kommune",
				FC("nr", "kommunenr"),
				FC("navn", "kommunenavn"),
			),
		},
		Embed: &EmbedSpec{
			As: "roles",
			Fields: []FieldSpec{
				FC("orgnr", "selskaporgnr"),
				F("selskapuuid"),
				F("selskapnavn"),
				FC("rolle", "selskaprolle"),
				F("rolleuuid"),
				F("rolleregistrert"),
				F("rolleoppdatert"),
				F("rollestartdato"),
				F("rollesluttdato"),
				FC("rollerang", "selskaprollerang"),
			},
		},
	}
}

func eierskapEntity() Entity {
	return Entity{
		TargetDescriptor: TargetDescriptor{
			Collection: "eierskap",
			Indexes: []domain.IndexSpec{
				domain.Ascending("company.orgnr"),
				domain.Ascending("owner.uuid"),
			},
		},
		Mode:   ModeReshape,
		Source: SourceDescriptor{Name: "eierskap"},
		Fields: []FieldSpec{
			FC("ownership_uuid", "eierskapuuid"),
			FC("year", "eierskapår"),
			Nested("owner",
				FC("uuid", "eierpersonuuid"),
				FC("navn", "eierpersonnavn"),
				FC("foedselsdato", "eierpersonfødselsdato"),
				FC("foedselsaar", "eierpersonfødselsår"),
				FC("adresse", "eierpersonadresse"),
				FC("postkode", "eierpersonpostkode"),
				FC("poststed", "eierpersonpoststed"),
				FC("kommunenr", "eierpersonkommunenr"),
				FC("kommune", "eierpersonkommune"),
			),
			Nested("company",
				FC("orgnr", "utstederorgnr"),
				FC("uuid", "utstederuuid"),
				FC("navn", "utstedernavn"),
			),
			FC("andel", "eierskapandel"),
			FC("antall", "eierskapantall"),
			FC("stemmeandel", "eierskapstemmeandel"),
			FC("totalantall", "eierskaptotalantall"),
			FC("stemmeantall", "eierskapstemmeantall"),
			FC("totalsstemmeantall", "eierskaptotalstemmeantall"),
		},
	}
}

func aksjeeiebokEntity() Entity {
	return Entity{
		TargetDescriptor: TargetDescriptor{
			Collection: "aksjeeiebok",
			Indexes: []domain.IndexSpec{
				domain.Ascending("orgnr"),
				domain.Ascending("år"),
			},
		},
		Mode:   ModeReshape,
		Source: SourceDescriptor{Name: "aksjeeiebok"},
		Fields: []FieldSpec{
			F("orgnr"),
			F("selskap"),
			F("år"),
			F("aksjeklasse"),
			Nested("aksjonaer",
				FC("navn", "aksjonærnavn"),
				FC("nr", "aksjonærnr"),
				F("poststed"),
				F("landkode"),
			),
			F("antallaksjer"),
			F("antallaksjerselskap"),
		},
	}
}

func politikereEntity() Entity {
	return Entity{
		TargetDescriptor: TargetDescriptor{
			Collection: "politikere",
			Indexes: []domain.IndexSpec{
				domain.Ascending("navn"),
				domain.Ascending("parti"),
				domain.Ascending("kommunenr"),
			},
		},
		Mode:   ModeReshape,
		Source: SourceDescriptor{Name: "politikere"},
		Fields: []FieldSpec{
			F("navn"),
			F("parti"),
			F("kommunenr"),
			F("kommune"),
			FC("foedselsdato", "fødselsdato"),
			F("listeplass"),
			F("stemmetillegg"),
			FC("personstemmer", "persontemmer"),
			F("slengere"),
			F("endeligrangering"),
			{Name: "innvalgt", Convert: "bool"},
		},
	}
}
