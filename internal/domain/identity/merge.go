package identity

import "time"

// mergeAttributes folds incoming attributes into p and returns the names of
// the fields it changed.
//
// Blank values never overwrite. Name, DOB and email fill empty fields and
// replace existing ones only when src is strictly more trusted than whoever
// wrote them. A verified MRN is never replaced; an unverified one is
// replaced only by an MRN-verifying source.
func mergeAttributes(p *Patient, in PartialAttributes, src Source) []string {
	var changed []string
	overwrite := src.Trust() > p.AttributeTrust

	mergeStr := func(field string, cur **string, val string) {
		if val == "" {
			return
		}
		if *cur == nil || **cur == "" || (overwrite && **cur != val) {
			*cur = strPtr(val)
			changed = append(changed, field)
		}
	}
	mergeStr("first_name", &p.FirstName, in.FirstName)
	mergeStr("last_name", &p.LastName, in.LastName)
	mergeStr("email", &p.Email, in.Email)

	if in.DateOfBirth != nil {
		if p.DateOfBirth == nil || (overwrite && !p.DateOfBirth.Equal(*in.DateOfBirth)) {
			d := *in.DateOfBirth
			p.DateOfBirth = &d
			changed = append(changed, "date_of_birth")
		}
	}

	if in.hasDemographics() && src.Trust() > p.AttributeTrust {
		p.AttributeTrust = src.Trust()
	}

	if in.MRN != "" {
		switch {
		case p.MRN == nil || *p.MRN == "":
			p.MRN = strPtr(in.MRN)
			p.MRNVerified = src.VerifiesMRN()
			changed = append(changed, "mrn")
		case *p.MRN != in.MRN && src.VerifiesMRN() && !p.MRNVerified:
			p.MRN = strPtr(in.MRN)
			p.MRNVerified = true
			changed = append(changed, "mrn")
		case *p.MRN == in.MRN && src.VerifiesMRN() && !p.MRNVerified:
			p.MRNVerified = true
			changed = append(changed, "mrn_verified")
		}
	}

	return changed
}

// addSource appends src to the set of channels that have seen p.
func addSource(p *Patient, src Source) bool {
	for _, s := range p.DataSources {
		if s == src {
			return false
		}
	}
	p.DataSources = append(p.DataSources, src)
	return true
}

// newPatient builds an identity for first contact.
func newPatient(phoneCanonical, humanID string, in PartialAttributes, src Source, now time.Time) *Patient {
	p := &Patient{
		HumanID:        humanID,
		PhoneCanonical: strPtr(phoneCanonical),
		CreatedFrom:    src,
		DataSources:    []Source{src},
		AttributeTrust: src.Trust(),
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if in.FirstName != "" {
		p.FirstName = strPtr(in.FirstName)
	}
	if in.LastName != "" {
		p.LastName = strPtr(in.LastName)
	}
	if in.Email != "" {
		p.Email = strPtr(in.Email)
	}
	if in.MRN != "" {
		p.MRN = strPtr(in.MRN)
		p.MRNVerified = src.VerifiesMRN()
	}
	if in.DateOfBirth != nil {
		d := *in.DateOfBirth
		p.DateOfBirth = &d
	}
	return p
}
