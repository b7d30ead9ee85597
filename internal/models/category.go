package models

// Category is the notification "name" tag.
type Category string

const (
	CategoryTeamApplicationStore  Category = "team_application_store"
	CategoryTeamApplicationAccept Category = "team_application_accept"
	CategoryTeamApplicationReject Category = "team_application_reject"
	CategoryFriendRequest         Category = "friend_request"

	CategoryChannelMessage     Category = "channel_message"
	CategoryChannelTeam        Category = "channel_team"
	CategoryChannelPublic      Category = "channel_public"
	CategoryChannelPrivate     Category = "channel_private"
	CategoryChannelMultiplayer Category = "channel_multiplayer"
	CategoryChannelSpectator   Category = "channel_spectator"
	CategoryChannelTemporary   Category = "channel_temporary"
	CategoryChannelGroup       Category = "channel_group"
	CategoryChannelSystem      Category = "channel_system"
	CategoryChannelAnnounce    Category = "channel_announce"

	CategoryUnknown Category = "unknown"
)

// CounterKind names the UnreadCount bucket a category feeds.
type CounterKind int

const (
	CounterNone CounterKind = iota
	CounterTeamRequests
	CounterPrivateMessages
	CounterFriendRequests
)

// Counter returns the unread bucket for c. Channel sub-kinds other than
// direct messages are not counted.
func (c Category) Counter() CounterKind {
	switch c {
	case CategoryTeamApplicationStore, CategoryTeamApplicationAccept, CategoryTeamApplicationReject:
		return CounterTeamRequests
	case CategoryChannelMessage:
		return CounterPrivateMessages
	case CategoryFriendRequest:
		return CounterFriendRequests
	default:
		return CounterNone
	}
}

// ChannelKind maps a channel type as sent in a "new" event's details.type to
// the notification category and the title used when the payload has none.
type ChannelKind struct {
	Category     Category
	DefaultTitle string
}

var channelKinds = map[string]ChannelKind{
	"pm":          {CategoryChannelMessage, "Private message"},
	"team":        {CategoryChannelTeam, "Team channel"},
	"public":      {CategoryChannelPublic, "Public channel"},
	"private":     {CategoryChannelPrivate, "Private channel"},
	"multiplayer": {CategoryChannelMultiplayer, "Multiplayer game"},
	"spectator":   {CategoryChannelSpectator, "Spectator channel"},
	"temporary":   {CategoryChannelTemporary, "Temporary channel"},
	"group":       {CategoryChannelGroup, "Group channel"},
	"system":      {CategoryChannelSystem, "System channel"},
	"announce":    {CategoryChannelAnnounce, "Announcement channel"},
}

// LookupChannelKind resolves a lower-cased channel type. Unknown types map to
// a generic channel message.
func LookupChannelKind(channelType string) ChannelKind {
	if k, ok := channelKinds[channelType]; ok {
		return k
	}
	return ChannelKind{CategoryChannelMessage, "Channel message"}
}

// Title renders a one-line human-readable summary of the notification.
func (n Notification) Title() string {
	title := n.Detail("title")
	or := func(fallback string) string {
		if title != "" {
			return title
		}
		return fallback
	}

	switch n.Name {
	case CategoryTeamApplicationStore:
		return or("Someone") + " applied to join the team"
	case CategoryTeamApplicationAccept:
		return "Your team application was accepted"
	case CategoryTeamApplicationReject:
		return "Your team application was rejected"
	case CategoryFriendRequest:
		return "New friend request"
	case CategoryChannelMessage:
		switch n.Detail("type") {
		case "pm":
			return "New private message: " + or("from a user")
		case "team":
			return "New team message: " + or("Team channel")
		}
		return "New private message"
	case CategoryChannelTeam:
		return "New team message: " + or("Team channel")
	case CategoryChannelPublic:
		return "New public channel message: " + or("Public channel")
	case CategoryChannelPrivate:
		return "New private channel message: " + or("Private channel")
	case CategoryChannelMultiplayer:
		return "New multiplayer message: " + or("Multiplayer game")
	case CategoryChannelSpectator:
		return "New spectator message: " + or("Spectator channel")
	case CategoryChannelTemporary:
		return "New temporary channel message: " + or("Temporary channel")
	case CategoryChannelGroup:
		return "New group message: " + or("Group channel")
	case CategoryChannelSystem:
		return "New system message: " + or("System channel")
	case CategoryChannelAnnounce:
		return "New announcement: " + or("Announcement channel")
	}
	if title != "" {
		return "New notification: " + title
	}
	return "New notification"
}
