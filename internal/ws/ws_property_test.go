package ws

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func messageFor(sessionID, content string) []byte {
	data, _ := json.Marshal(map[string]string{
		"type":       "message",
		"role":       "assistant",
		"content":    content,
		"timestamp":  "2024-01-01T00:00:00Z",
		"session_id": sessionID,
	})
	return data
}

// A frame from one member reaches every other member of its session and is
// never echoed back to the sender.
func TestNoEchoProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("broadcast excludes the sender", prop.ForAll(
		func(numClients, senderIdx int, content string) bool {
			relay := NewRelay()
			defer relay.Close()

			clients := make([]*Client, numClients)
			for i := range clients {
				clients[i] = NewClient(nil, "s1")
				relay.Register("s1", clients[i])
			}
			sender := clients[senderIdx%numClients]

			relay.OnMessage(sender, messageFor("s1", content))

			for _, c := range clients {
				want := 1
				if c == sender {
					want = 0
				}
				if len(c.SendChan()) != want {
					return false
				}
			}
			return true
		},
		gen.IntRange(2, 10),
		gen.IntRange(0, 9),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// Frames broadcast in one session never reach members of another.
func TestPartitionIsolationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("sessions do not leak into each other", prop.ForAll(
		func(s1, s2 string, n1, n2 int) bool {
			s1 = "a-" + s1
			s2 = "b-" + s2
			relay := NewRelay()
			defer relay.Close()

			first := make([]*Client, n1)
			for i := range first {
				first[i] = NewClient(nil, s1)
				relay.Register(s1, first[i])
			}
			second := make([]*Client, n2)
			for i := range second {
				second[i] = NewClient(nil, s2)
				relay.Register(s2, second[i])
			}

			relay.OnMessage(first[0], messageFor(s1, "only for s1"))

			for _, c := range second {
				if len(c.SendChan()) != 0 {
					return false
				}
			}
			for _, c := range first[1:] {
				if len(c.SendChan()) != 1 {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.IntRange(1, 6),
		gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}

// A channel disappears as soon as its last member leaves.
func TestChannelGCProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("empty channels are removed immediately", prop.ForAll(
		func(sessionID string, numClients int, order []int) bool {
			sessionID = "s-" + sessionID
			relay := NewRelay()
			defer relay.Close()

			clients := make([]*Client, numClients)
			for i := range clients {
				clients[i] = NewClient(nil, sessionID)
				relay.Register(sessionID, clients[i])
			}

			// Unregister in a generated order, with repeats ignored.
			remaining := append([]*Client(nil), clients...)
			for _, o := range order {
				if len(remaining) == 0 {
					break
				}
				i := o % len(remaining)
				relay.Unregister(remaining[i])
				remaining = append(remaining[:i], remaining[i+1:]...)
				if len(remaining) > 0 && !relay.HasChannel(sessionID) {
					return false
				}
			}
			for _, c := range remaining {
				relay.Unregister(c)
			}

			if relay.HasChannel(sessionID) || relay.ChannelCount() != 0 {
				return false
			}

			fresh := NewClient(nil, sessionID)
			relay.Register(sessionID, fresh)
			return relay.Members(sessionID) == 1
		},
		gen.AlphaString(),
		gen.IntRange(1, 8),
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
