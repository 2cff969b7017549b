package model

// Event kind values double as the wire "type" discriminator sent to clients.
const (
	KindJoinRequested = "joinGroupRequest"
	KindJoinAccepted  = "joinGroupAccepted"
	KindJoinRejected  = "joinGroupRejected"
	KindMemberAdded   = "addedToGroup"
	KindMemberRemoved = "removedFromGroup"
	KindAdminChanged  = "groupAdminChanged"
	KindPresencePing  = "presencePing"
)

// Event is one of a closed set of notification variants. Durable events are
// deferred to the pending store when the target is offline; transient events
// are dropped.
type Event interface {
	Kind() string
	Durable() bool
}

// JoinRequested is delivered to a group's admin when a non-member asks to
// join.
type JoinRequested struct {
	Type      string `json:"type"`
	GroupID   string `json:"groupId"`
	GroupName string `json:"groupName"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
}

// NewJoinRequested builds the admin-facing event for a join request.
func NewJoinRequested(req JoinRequest) JoinRequested {
	return JoinRequested{
		Type:      KindJoinRequested,
		GroupID:   req.GroupID,
		GroupName: req.GroupName,
		UserID:    req.UserID,
		UserName:  req.UserName,
	}
}

func (JoinRequested) Kind() string  { return KindJoinRequested }
func (JoinRequested) Durable() bool { return true }

// JoinAccepted tells the requester the admin approved.
type JoinAccepted struct {
	Type      string `json:"type"`
	GroupID   string `json:"groupId"`
	GroupName string `json:"groupName"`
}

func NewJoinAccepted(groupID, groupName string) JoinAccepted {
	return JoinAccepted{Type: KindJoinAccepted, GroupID: groupID, GroupName: groupName}
}

func (JoinAccepted) Kind() string  { return KindJoinAccepted }
func (JoinAccepted) Durable() bool { return true }

// JoinRejected tells the requester the admin declined.
type JoinRejected struct {
	Type      string `json:"type"`
	GroupID   string `json:"groupId"`
	GroupName string `json:"groupName"`
}

func NewJoinRejected(groupID, groupName string) JoinRejected {
	return JoinRejected{Type: KindJoinRejected, GroupID: groupID, GroupName: groupName}
}

func (JoinRejected) Kind() string  { return KindJoinRejected }
func (JoinRejected) Durable() bool { return true }

// MemberAdded tells a user they were added to a group by its admin.
type MemberAdded struct {
	Type      string `json:"type"`
	GroupID   string `json:"groupId"`
	GroupName string `json:"groupName"`
}

func NewMemberAdded(groupID, groupName string) MemberAdded {
	return MemberAdded{Type: KindMemberAdded, GroupID: groupID, GroupName: groupName}
}

func (MemberAdded) Kind() string  { return KindMemberAdded }
func (MemberAdded) Durable() bool { return true }

// MemberRemoved tells a user they were removed from a group.
type MemberRemoved struct {
	Type      string `json:"type"`
	GroupID   string `json:"groupId"`
	GroupName string `json:"groupName"`
}

func NewMemberRemoved(groupID, groupName string) MemberRemoved {
	return MemberRemoved{Type: KindMemberRemoved, GroupID: groupID, GroupName: groupName}
}

func (MemberRemoved) Kind() string  { return KindMemberRemoved }
func (MemberRemoved) Durable() bool { return true }

// AdminChanged tells a member the group's admin was reassigned.
type AdminChanged struct {
	Type       string `json:"type"`
	GroupID    string `json:"groupId"`
	GroupName  string `json:"groupName"`
	NewAdminID string `json:"newAdminId"`
}

func NewAdminChanged(groupID, groupName, newAdminID string) AdminChanged {
	return AdminChanged{Type: KindAdminChanged, GroupID: groupID, GroupName: groupName, NewAdminID: newAdminID}
}

func (AdminChanged) Kind() string  { return KindAdminChanged }
func (AdminChanged) Durable() bool { return true }

// PresencePing is a best-effort liveness nudge. No durability guarantee.
type PresencePing struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

func NewPresencePing(userID string) PresencePing {
	return PresencePing{Type: KindPresencePing, UserID: userID}
}

func (PresencePing) Kind() string  { return KindPresencePing }
func (PresencePing) Durable() bool { return false }
