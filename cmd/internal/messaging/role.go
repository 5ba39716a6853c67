package messaging

// Participants are the identities a conversation knows about.
type Participants struct {
	CustomerUserID string
	StoreUserID    string
	AdminID        string
}

// ResolveSenderRole maps a caller to its role within a conversation.
//
// Priority: store owner, then customer, then the conversation's intervening admin, then any platform
// admin. callerIsAdmin is the result of the role lookup and is only consulted when the caller matches
// none of the participants.
func ResolveSenderRole(p Participants, callerID string, callerIsAdmin bool) SenderType {
	switch {
	case callerID == "":
		return SenderUnknown
	case p.StoreUserID != "" && callerID == p.StoreUserID:
		return SenderStore
	case p.CustomerUserID != "" && callerID == p.CustomerUserID:
		return SenderCustomer
	case p.AdminID != "" && callerID == p.AdminID:
		return SenderAdmin
	case callerIsAdmin:
		return SenderAdmin
	default:
		return SenderUnknown
	}
}

// needsRoleLookup reports whether ResolveSenderRole depends on the admin lookup for callerID.
func (p Participants) needsRoleLookup(callerID string) bool {
	return ResolveSenderRole(p, callerID, false) == SenderUnknown && callerID != ""
}
