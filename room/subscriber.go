package room

import (
	"sync"

	"github.com/google/uuid"

	"github.com/jupark12/go-run-queue/models"
)

// Subscriber receives a room's frames on a buffered channel. Only the room
// goroutine sends on or closes the channel.
type Subscriber struct {
	ID        string
	out       chan models.Envelope
	closeOnce sync.Once
}

// NewSubscriber creates a subscriber that can fall buffer frames behind
// before the room drops it.
func NewSubscriber(buffer int) *Subscriber {
	if buffer < 1 {
		buffer = 1
	}
	return &Subscriber{
		ID:  uuid.New().String(),
		out: make(chan models.Envelope, buffer),
	}
}

// Messages is closed when the room drops the subscriber.
func (s *Subscriber) Messages() <-chan models.Envelope {
	return s.out
}

func (s *Subscriber) offer(env models.Envelope) bool {
	select {
	case s.out <- env:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.out) })
}
