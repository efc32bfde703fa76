package common

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gopuppet/gopuppet/log"
)

func newTestFrameManager(t *testing.T) *FrameManager {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewFrameManager(ctx, nil, nil, NewTimeoutSettings(nil), log.NewNullLogger())
}

func navigateMainFrame(t *testing.T, fm *FrameManager, frameID cdp.FrameID, url string) {
	t.Helper()
	require.NoError(t, fm.frameNavigated(&cdp.Frame{
		ID:       frameID,
		LoaderID: cdp.LoaderID("loader_" + string(frameID)),
		URL:      url,
	}, false))
}

func recvEvent(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		require.FailNow(t, "timed out waiting for event")
		return Event{}
	}
}

func TestFrameManagerFrameTree(t *testing.T) {
	t.Parallel()

	fm := newTestFrameManager(t)
	fm.handleFrameTree(&cdppage.FrameTree{
		Frame: &cdp.Frame{ID: "fid_main", LoaderID: "loader_1", URL: "https://example.com/"},
		ChildFrames: []*cdppage.FrameTree{
			{
				Frame: &cdp.Frame{
					ID: "fid_child", ParentID: "fid_main",
					LoaderID: "loader_2", URL: "https://example.com/iframe",
				},
			},
		},
	})

	require.Len(t, fm.Frames(), 2)
	main := fm.MainFrame()
	require.NotNil(t, main)
	assert.Equal(t, "fid_main", main.ID())
	assert.True(t, main.IsMainFrame())
	assert.Equal(t, "https://example.com/", main.URL())

	child := fm.getFrameByID("fid_child")
	require.NotNil(t, child)
	assert.Equal(t, main, child.ParentFrame())
	assert.False(t, child.IsMainFrame())
	require.Len(t, main.ChildFrames(), 1)
}

func TestFrameManagerFrameAttachedUnknownParent(t *testing.T) {
	t.Parallel()

	fm := newTestFrameManager(t)
	navigateMainFrame(t, fm, "fid_main", "about:blank")

	// An attach notification for an unknown parent must be ignored.
	fm.frameAttached("fid_orphan", "fid_unknown")
	require.Nil(t, fm.getFrameByID("fid_orphan"))
	require.Len(t, fm.Frames(), 1)
}

func TestFrameManagerMainFrameIdentityAcrossNavigation(t *testing.T) {
	t.Parallel()

	fm := newTestFrameManager(t)
	navigateMainFrame(t, fm, "fid_1", "https://example.com/")
	main := fm.MainFrame()
	require.NotNil(t, main)

	// A cross-process navigation swaps the main frame id but must keep
	// the Frame pointer stable.
	navigateMainFrame(t, fm, "fid_2", "https://other.example/")

	require.Same(t, main, fm.MainFrame())
	assert.Equal(t, "fid_2", main.ID())
	assert.Equal(t, "https://other.example/", main.URL())
	require.Nil(t, fm.getFrameByID("fid_1"))
	require.Same(t, main, fm.getFrameByID("fid_2"))
	require.Len(t, fm.Frames(), 1)
}

func TestFrameManagerNavigationDetachesSubtree(t *testing.T) {
	t.Parallel()

	fm := newTestFrameManager(t)
	navigateMainFrame(t, fm, "fid_main", "https://example.com/")
	fm.frameAttached("fid_child", "fid_main")
	fm.frameAttached("fid_grandchild", "fid_child")
	require.Len(t, fm.Frames(), 3)

	child := fm.getFrameByID("fid_child")
	grandchild := fm.getFrameByID("fid_grandchild")
	require.NotNil(t, child)
	require.NotNil(t, grandchild)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan Event)
	fm.on(ctx, []string{EventFrameManagerFrameDetached}, ch)

	navigateMainFrame(t, fm, "fid_main", "https://example.com/next")

	// Descendants detach before their parents.
	require.Same(t, grandchild, recvEvent(t, ch).data)
	require.Same(t, child, recvEvent(t, ch).data)

	require.Len(t, fm.Frames(), 1)
	assert.True(t, child.IsDetached())
	assert.True(t, grandchild.IsDetached())
	assert.Empty(t, fm.MainFrame().ChildFrames())
}

func TestFrameManagerFrameDetached(t *testing.T) {
	t.Parallel()

	fm := newTestFrameManager(t)
	navigateMainFrame(t, fm, "fid_main", "https://example.com/")
	fm.frameAttached("fid_child", "fid_main")

	fm.frameDetached("fid_child")
	require.Len(t, fm.Frames(), 1)

	// Detaching an unknown frame is a no-op.
	fm.frameDetached("fid_child")
	require.Len(t, fm.Frames(), 1)
}

func TestFrameManagerNavigatedWithinDocument(t *testing.T) {
	t.Parallel()

	fm := newTestFrameManager(t)
	navigateMainFrame(t, fm, "fid_main", "https://example.com/")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan Event)
	fm.on(ctx, []string{
		EventFrameManagerFrameNavigatedWithinDocument,
		EventFrameManagerFrameNavigated,
	}, ch)

	fm.frameNavigatedWithinDocument("fid_main", "https://example.com/#anchor")

	assert.Equal(t, "https://example.com/#anchor", fm.MainFrame().URL())
	assert.Equal(t, EventFrameManagerFrameNavigatedWithinDocument, recvEvent(t, ch).typ)
	assert.Equal(t, EventFrameManagerFrameNavigated, recvEvent(t, ch).typ)
}

func TestFrameManagerLifecycleEvents(t *testing.T) {
	t.Parallel()

	fm := newTestFrameManager(t)
	navigateMainFrame(t, fm, "fid_main", "https://example.com/")
	frame := fm.MainFrame()

	fm.frameLifecycleEvent(&cdppage.EventLifecycleEvent{
		FrameID: "fid_main", LoaderID: "loader_1", Name: "DOMContentLoaded",
	})
	fm.frameLifecycleEvent(&cdppage.EventLifecycleEvent{
		FrameID: "fid_main", LoaderID: "loader_1", Name: "load",
	})

	assert.True(t, frame.hasLifecycleEventFired(LifecycleEventDOMContentLoad))
	assert.True(t, frame.hasLifecycleEventFired(LifecycleEventLoad))
	assert.False(t, frame.hasLifecycleEventFired(LifecycleEventNetworkIdle))

	// A new navigation attempt wipes the milestones of the previous
	// document.
	fm.frameLifecycleEvent(&cdppage.EventLifecycleEvent{
		FrameID: "fid_main", LoaderID: "loader_2", Name: "init",
	})

	assert.False(t, frame.hasLifecycleEventFired(LifecycleEventDOMContentLoad))
	assert.False(t, frame.hasLifecycleEventFired(LifecycleEventLoad))
	assert.Equal(t, "loader_2", frame.LoaderID())
}

func TestFrameManagerFrameStoppedLoading(t *testing.T) {
	t.Parallel()

	fm := newTestFrameManager(t)
	navigateMainFrame(t, fm, "fid_main", "https://example.com/")
	frame := fm.MainFrame()

	fm.frameStoppedLoading("fid_main")

	for _, event := range []LifecycleEvent{
		LifecycleEventDOMContentLoad,
		LifecycleEventLoad,
		LifecycleEventNetworkIdle,
		LifecycleEventNetworkAlmostIdle,
	} {
		assert.True(t, frame.hasLifecycleEventFired(event), "expected %s to have fired", event)
	}
}

func TestFrameManagerSubtreeLifecycle(t *testing.T) {
	t.Parallel()

	fm := newTestFrameManager(t)
	navigateMainFrame(t, fm, "fid_main", "https://example.com/")
	fm.frameAttached("fid_child", "fid_main")
	frame := fm.MainFrame()

	fm.frameLifecycleEvent(&cdppage.EventLifecycleEvent{
		FrameID: "fid_main", LoaderID: "loader_1", Name: "load",
	})

	// The parent is not loaded until its whole subtree is.
	assert.True(t, frame.hasLifecycleEventFired(LifecycleEventLoad))
	assert.False(t, frame.hasSubtreeLifecycleEventFired(LifecycleEventLoad))

	fm.frameLifecycleEvent(&cdppage.EventLifecycleEvent{
		FrameID: "fid_child", LoaderID: "loader_2", Name: "load",
	})
	assert.True(t, frame.hasSubtreeLifecycleEventFired(LifecycleEventLoad))
}

func TestFrameManagerExecutionContexts(t *testing.T) {
	t.Parallel()

	fm := newTestFrameManager(t)
	navigateMainFrame(t, fm, "fid_main", "https://example.com/")
	frame := fm.MainFrame()

	fm.executionContextCreated(&runtime.EventExecutionContextCreated{
		Context: &runtime.ExecutionContextDescription{
			ID:      1,
			Origin:  "https://example.com",
			Name:    "",
			AuxData: easyjson.RawMessage([]byte(`{"frameId":"fid_main","isDefault":true}`)),
		},
	})
	fm.executionContextCreated(&runtime.EventExecutionContextCreated{
		Context: &runtime.ExecutionContextDescription{
			ID:      2,
			Origin:  "",
			Name:    utilityWorldName,
			AuxData: easyjson.RawMessage([]byte(`{"frameId":"fid_main","isDefault":false}`)),
		},
	})

	require.NotNil(t, fm.getExecutionContextByID(1))
	require.NotNil(t, fm.getExecutionContextByID(2))
	assert.True(t, frame.mainWorld.hasContext())
	assert.True(t, frame.utilityWorld.hasContext())

	// A duplicate utility world context is ignored, the first one wins.
	fm.executionContextCreated(&runtime.EventExecutionContextCreated{
		Context: &runtime.ExecutionContextDescription{
			ID:      3,
			Name:    utilityWorldName,
			AuxData: easyjson.RawMessage([]byte(`{"frameId":"fid_main","isDefault":false}`)),
		},
	})
	require.Equal(t, runtime.ExecutionContextID(2), frame.utilityWorld.execCtx.id)

	fm.executionContextDestroyed(1)
	require.Nil(t, fm.getExecutionContextByID(1))
	assert.False(t, frame.mainWorld.hasContext())
	assert.True(t, frame.utilityWorld.hasContext())

	fm.executionContextsCleared()
	require.Nil(t, fm.getExecutionContextByID(2))
	assert.False(t, frame.utilityWorld.hasContext())
}
