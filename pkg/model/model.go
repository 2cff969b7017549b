// Package model holds the entities shared by the group service's storage,
// presence, and workflow layers.
package model

// User is a registered account. Credentials live with the external auth
// service; this service only ever reads the profile fields.
type User struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
}

// Name returns the name to show other users, falling back to the username.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// Session is produced by the external auth service on login. Timestamps are
// Unix milliseconds. Expiry is checked lazily on access; there is no timer.
type Session struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Expired reports whether the session is past its expiry at the given Unix
// millisecond timestamp. A zero ExpiresAt means the session never expires.
func (s Session) Expired(nowMillis int64) bool {
	return s.ExpiresAt > 0 && nowMillis >= s.ExpiresAt
}

// Group is a named chat group with a single admin.
type Group struct {
	GroupID           string `json:"groupId"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	AdminID           string `json:"adminId"`
	CreatorID         string `json:"creatorId"`
	CreatedAt         int64  `json:"createdAt"`
	DeleteOnAdminExit bool   `json:"deleteOnAdminExit"`
}

// MembershipState tags a membership record. Pending join requests never
// appear as membership rows (they live in the pending request store), so
// today the only state is active. The tag exists so a future state can be
// added without overloading a timestamp sentinel.
type MembershipState string

const (
	// MemberActive is a full member of the group.
	MemberActive MembershipState = "active"
)

// Membership is one user's membership in one group. Identity is the
// (GroupID, UserID) pair.
type Membership struct {
	GroupID  string          `json:"groupId"`
	UserID   string          `json:"userId"`
	State    MembershipState `json:"state"`
	JoinedAt int64           `json:"joinedAt"`
	IsAdmin  bool            `json:"isAdmin"`
}

// MembershipKey is the storage key for a membership record.
func MembershipKey(groupID, userID string) string {
	return groupID + ":" + userID
}

// JoinRequest is an asserted intent by a non-member to join a group, awaiting
// the admin's decision. There is no minted request id: the (adminId, groupId,
// userId) triple is the natural identity and dedup key. Names are carried so
// clients can render the request without extra lookups.
type JoinRequest struct {
	GroupID   string `json:"groupId"`
	GroupName string `json:"groupName"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
}

// DecisionIntent records an admin's approval before the membership mutation
// commits. An intent that survives a restart without a matching membership
// row is replayed during recovery.
type DecisionIntent struct {
	AdminID   string `json:"adminId"`
	GroupID   string `json:"groupId"`
	UserID    string `json:"userId"`
	CreatedAt int64  `json:"createdAt"`
}
