package eventbus

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/aionpay/relayer/types"
)

func waitMessage(c *qt.C, ch <-chan *Message) *Message {
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		c.Fatal("timed out waiting for message")
		return nil
	}
}

func TestPublishSubscribe(t *testing.T) {
	c := qt.New(t)
	bus := New(0)
	defer bus.Close()

	sub := bus.Subscribe(TopicConfirmed)
	tf := &types.SignedTransfer{ID: 7, Status: types.TransferStatusConfirmed}

	bus.Publish(TopicConfirmed, tf)
	msg := waitMessage(c, sub.C())
	c.Assert(msg.Topic, qt.Equals, TopicConfirmed)
	c.Assert(msg.Transfer.ID, qt.Equals, int64(7))

	// Other topics do not reach this subscriber.
	bus.Publish(TopicFailed, tf)
	select {
	case <-sub.C():
		c.Fatal("received message for unsubscribed topic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPerTransferTopic(t *testing.T) {
	c := qt.New(t)
	bus := New(0)
	defer bus.Close()

	sub := bus.Subscribe(TransferTopic(42))
	bus.Publish(TransferTopic(41), &types.SignedTransfer{ID: 41})
	bus.Publish(TransferTopic(42), &types.SignedTransfer{ID: 42})

	msg := waitMessage(c, sub.C())
	c.Assert(msg.Transfer.ID, qt.Equals, int64(42))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	c := qt.New(t)
	bus := New(0)
	defer bus.Close()

	sub := bus.Subscribe(TopicAccepted)
	bus.Unsubscribe(sub)

	_, open := <-sub.C()
	c.Assert(open, qt.IsFalse)

	// Publishing after unsubscribe must not panic.
	bus.Publish(TopicAccepted, &types.SignedTransfer{ID: 1})

	// Double unsubscribe is a no-op.
	bus.Unsubscribe(sub)
}

func TestSlowSubscriberEviction(t *testing.T) {
	c := qt.New(t)
	bus := New(2)
	defer bus.Close()

	slow := bus.Subscribe(TopicFailed)
	fast := bus.Subscribe(TopicFailed)

	tf := &types.SignedTransfer{ID: 1, Status: types.TransferStatusFailed}
	// Fill the slow subscriber's buffer and overflow it; the fast one
	// drains as messages arrive.
	for i := 0; i < 3; i++ {
		bus.Publish(TopicFailed, tf)
		waitMessage(c, fast.C())
	}

	// The slow subscriber was evicted: after draining its buffered
	// messages the channel is closed.
	drained := 0
	for range slow.C() {
		drained++
	}
	c.Assert(drained, qt.Equals, 2)

	// The fast subscriber still receives.
	bus.Publish(TopicFailed, tf)
	waitMessage(c, fast.C())
}

func TestTopicForStatus(t *testing.T) {
	c := qt.New(t)
	c.Assert(TopicForStatus(types.TransferStatusValidated), qt.Equals, TopicAccepted)
	c.Assert(TopicForStatus(types.TransferStatusPending), qt.Equals, TopicPending)
	c.Assert(TopicForStatus(types.TransferStatusConfirmed), qt.Equals, TopicConfirmed)
	c.Assert(TopicForStatus(types.TransferStatusFailed), qt.Equals, TopicFailed)
	c.Assert(TopicForStatus(types.TransferStatusPermanentlyFailed), qt.Equals, TopicFailed)
	c.Assert(TopicForStatus(types.TransferStatusReceived), qt.Equals, "")
}

func TestCloseRejectsNewSubscribers(t *testing.T) {
	c := qt.New(t)
	bus := New(0)

	sub := bus.Subscribe(TopicAccepted)
	bus.Close()

	_, open := <-sub.C()
	c.Assert(open, qt.IsFalse)

	late := bus.Subscribe(TopicAccepted)
	_, open = <-late.C()
	c.Assert(open, qt.IsFalse)
}
