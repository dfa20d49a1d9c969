package bus

import (
	"time"
)

// Topics carried by the in-process bus.
const (
	TopicChat                = "chat"
	TopicFollowers           = "followers"
	TopicSubscriptions       = "subscriptions"
	TopicCheers              = "cheers"
	TopicTwitchEvents        = "twitch:events"
	TopicChannelUpdates      = "channel:updates"
	TopicTranscription       = "transcription:live"
	TopicEvents              = "events"
	TopicStreamUpdates       = "stream:updates"
	TopicCorrelationInsights = "correlation:insights"
)

// Event types drawn from the closed set used by upstream adapters.
const (
	TypeChatMessage          = "chat.message"
	TypeChannelFollow        = "channel.follow"
	TypeChannelSubscribe     = "channel.subscribe"
	TypeChannelUpdate        = "channel.update"
	TypeChannelGoalBegin     = "channel.goal.begin"
	TypeChannelGoalProgress  = "channel.goal.progress"
	TypeChannelGoalEnd       = "channel.goal.end"
	TypeTranscriptionSnippet = "transcription.snippet"

	TypeStreamStarted = "stream.started"
	TypeStreamStopped = "stream.stopped"

	TypeStreamUpdate   = "stream_update"
	TypeShowChange     = "show_change"
	TypeContentUpdate  = "content_update"
	TypeNewCorrelation = "new_correlation"
)

// Envelope is the immutable bus payload wrapper. Once published it must not
// be mutated by subscribers.
type Envelope struct {
	Topic         string      `json:"topic"`
	Type          string      `json:"type"`
	Payload       interface{} `json:"payload"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlation_id"`
}

// ChatMessage is the canonical chat payload on the chat topic.
type ChatMessage struct {
	MessageID    string    `json:"message_id"`
	User         string    `json:"user"`
	UserName     string    `json:"user_name"`
	Text         string    `json:"text"`
	Emotes       []string  `json:"emotes"`
	NativeEmotes []string  `json:"native_emotes"`
	Timestamp    time.Time `json:"timestamp"`
}

// Follow is the payload on the followers topic.
type Follow struct {
	UserName  string    `json:"user_name"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscribe is the payload on the subscriptions topic.
// Tier is one of "1000", "2000", "3000".
type Subscribe struct {
	UserName         string `json:"user_name"`
	Tier             string `json:"tier"`
	CumulativeMonths int    `json:"cumulative_months"`
}

// ChannelUpdate is the payload on the channel:updates topic.
type ChannelUpdate struct {
	CategoryID   string `json:"category_id"`
	CategoryName string `json:"category_name"`
	Title        string `json:"title"`
}

// TranscriptionSnippet is the payload on the transcription:live topic.
type TranscriptionSnippet struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// TwitchEvent is the Twitch-style envelope carried on the events and
// twitch:events topics.
type TwitchEvent struct {
	Type string          `json:"type"`
	Data TwitchEventData `json:"data"`
}

type TwitchEventData struct {
	MessageID       string             `json:"message_id"`
	ChatterUserName string             `json:"chatter_user_name"`
	Message         TwitchEventMessage `json:"message"`
}

type TwitchEventMessage struct {
	Text   string   `json:"text"`
	Emotes []string `json:"emotes"`
}

// ChatMessage normalizes a Twitch chat envelope into the canonical payload.
// The second return is false when the event is not a chat message.
func (e TwitchEvent) ChatMessage(at time.Time) (ChatMessage, bool) {
	if e.Type != TypeChatMessage {
		return ChatMessage{}, false
	}
	return ChatMessage{
		MessageID: e.Data.MessageID,
		User:      e.Data.ChatterUserName,
		UserName:  e.Data.ChatterUserName,
		Text:      e.Data.Message.Text,
		Emotes:    e.Data.Message.Emotes,
		Timestamp: at,
	}, true
}
