package model

// Principal is the authenticated caller, built from the identity service's
// token. It is passed explicitly into every query and mutation.
type Principal struct {
	OwnerID string
	Email   string
}

func (p Principal) Anonymous() bool {
	return p.OwnerID == ""
}
