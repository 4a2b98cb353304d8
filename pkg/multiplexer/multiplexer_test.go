package multiplexer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/cuemby/notebroker/pkg/kernel"
	"github.com/cuemby/notebroker/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu      sync.Mutex
	outputs []types.Output
	prompts []string
}

func (f *fakePublisher) PublishOutput(notebookKey, taskID string, out types.Output) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs = append(f.outputs, out)
}

func (f *fakePublisher) PublishInputRequest(notebookKey, taskID, prompt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
}

func TestBindDeliversImmediatelyWhenBoundFirst(t *testing.T) {
	pub := &fakePublisher{}
	mux := NewMultiplexer(1000, pub)

	waiter := mux.Bind("nb1", "km1", "task1")
	mux.Deliver("nb1", kernel.Frame{MsgID: "o1", ParentMsgID: "km1", Type: kernel.FrameStream, Payload: "hi"})
	mux.Deliver("nb1", kernel.Frame{MsgID: "o2", ParentMsgID: "km1", Type: kernel.FrameStatus, Payload: "idle"})

	<-waiter
	require.Len(t, pub.outputs, 1)
	require.Equal(t, "hi", pub.outputs[0].Payload)
}

func TestOrphanFramesReplayedOnBind(t *testing.T) {
	pub := &fakePublisher{}
	mux := NewMultiplexer(1000, pub)

	mux.Deliver("nb1", kernel.Frame{MsgID: "o1", ParentMsgID: "km1", Type: kernel.FrameStream, Payload: "early-1"})
	mux.Deliver("nb1", kernel.Frame{MsgID: "o2", ParentMsgID: "km1", Type: kernel.FrameStream, Payload: "early-2"})

	waiter := mux.Bind("nb1", "km1", "task1")
	mux.Deliver("nb1", kernel.Frame{MsgID: "o3", ParentMsgID: "km1", Type: kernel.FrameStatus, Payload: "idle"})
	<-waiter

	require.Len(t, pub.outputs, 2)
	require.Equal(t, "early-1", pub.outputs[0].Payload)
	require.Equal(t, "early-2", pub.outputs[1].Payload)
}

func TestOrphanRingDropsOldestOnOverflow(t *testing.T) {
	pub := &fakePublisher{}
	mux := NewMultiplexer(1000, pub)

	for i := 0; i < 1500; i++ {
		mux.Deliver("nb1", kernel.Frame{
			MsgID:       fmt.Sprintf("o%d", i),
			ParentMsgID: "unbound",
			Type:        kernel.FrameStream,
			Payload:     fmt.Sprintf("frame-%d", i),
		})
	}

	ring := mux.ringFor("nb1")
	require.Equal(t, 1000, ring.sizeFor("unbound"))

	matched := ring.drain("unbound")
	require.Len(t, matched, 1000)
	require.Equal(t, "frame-500", matched[0].Payload)
	require.Equal(t, "frame-1499", matched[len(matched)-1].Payload)
}

func TestOrphanRingKeyedPerParentID(t *testing.T) {
	pub := &fakePublisher{}
	mux := NewMultiplexer(1000, pub)

	for i := 0; i < 1500; i++ {
		mux.Deliver("nb1", kernel.Frame{
			MsgID:       fmt.Sprintf("a%d", i),
			ParentMsgID: "kmsgA",
			Type:        kernel.FrameStream,
			Payload:     fmt.Sprintf("a-frame-%d", i),
		})
	}
	// A second, unrelated parent id's frames must not evict kmsgA's ring.
	mux.Deliver("nb1", kernel.Frame{MsgID: "b0", ParentMsgID: "kmsgB", Type: kernel.FrameStream, Payload: "b-frame-0"})

	waiterA := mux.Bind("nb1", "kmsgA", "taskA")
	mux.Deliver("nb1", kernel.Frame{MsgID: "aEnd", ParentMsgID: "kmsgA", Type: kernel.FrameStatus, Payload: "idle"})
	<-waiterA

	require.Len(t, pub.outputs, 1000)
	require.Equal(t, "a-frame-500", pub.outputs[0].Payload)
	require.Equal(t, "a-frame-1499", pub.outputs[999].Payload)

	waiterB := mux.Bind("nb1", "kmsgB", "taskB")
	mux.Deliver("nb1", kernel.Frame{MsgID: "bEnd", ParentMsgID: "kmsgB", Type: kernel.FrameStatus, Payload: "idle"})
	<-waiterB

	require.Len(t, pub.outputs, 1001)
	require.Equal(t, "b-frame-0", pub.outputs[1000].Payload)
}

func TestUnbindReleasesWaiterWithoutCompletion(t *testing.T) {
	pub := &fakePublisher{}
	mux := NewMultiplexer(1000, pub)

	waiter := mux.Bind("nb1", "km1", "task1")
	mux.Unbind("task1")

	_, open := <-waiter
	require.False(t, open)
}
