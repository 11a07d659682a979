package services

const (
	TopicPoints   = "points"
	TopicKickLink = "kick_link"
)

// Publisher fans change notifications out to live subscribers of a user.
type Publisher interface {
	Publish(userID, topic string, payload interface{})
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, string, interface{}) {}

func orNop(p Publisher) Publisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}
