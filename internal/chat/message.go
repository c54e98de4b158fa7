package chat

import (
	"time"

	"github.com/google/uuid"

	"github.com/rkuiper/linkup/internal/history"
)

// Message is one chat message as the local client sees it. Seen means the
// counterpart has viewed it; it only ever flips false to true. Messages are
// passed around by value, so a snapshot taken before a flip keeps the old
// flag.
type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sentAt"`
	Seen       bool      `json:"seen"`
}

func newMessage(roomID, senderID, senderName, text string) Message {
	return Message{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		SenderID:   senderID,
		SenderName: senderName,
		Text:       text,
		SentAt:     time.Now(),
	}
}

func fromRecord(rec history.Record) Message {
	return Message{
		ID:         rec.ID,
		RoomID:     rec.RoomID,
		SenderID:   rec.SenderID,
		SenderName: rec.SenderName,
		Text:       rec.Text,
		SentAt:     rec.SentAt,
		Seen:       rec.Seen,
	}
}

func (m Message) record() history.Record {
	return history.Record{
		ID:         m.ID,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Text:       m.Text,
		SentAt:     m.SentAt,
		Seen:       m.Seen,
	}
}
