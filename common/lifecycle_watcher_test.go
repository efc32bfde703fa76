package common

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/require"
)

func TestLifecycleWatcherTimeout(t *testing.T) {
	t.Parallel()

	fm := newTestFrameManager(t)
	navigateMainFrame(t, fm, "fid_main", "https://example.com/")

	w := newLifecycleWatcher(fm.ctx, fm, fm.MainFrame(), []LifecycleEvent{LifecycleEventLoad}, 50*time.Millisecond)
	defer w.dispose()

	select {
	case err := <-w.terminated():
		var terr *TimeoutError
		require.ErrorAs(t, err, &terr)
		require.ErrorIs(t, err, ErrTimedOut)
		require.Equal(t, 50*time.Millisecond, terr.Timeout)
	case <-w.newDocumentDone():
		require.FailNow(t, "navigation completed unexpectedly")
	case <-time.After(time.Second):
		require.FailNow(t, "watcher did not time out")
	}
}

func TestLifecycleWatcherNewDocumentNavigation(t *testing.T) {
	t.Parallel()

	fm := newTestFrameManager(t)
	navigateMainFrame(t, fm, "fid_main", "https://example.com/")
	frame := fm.MainFrame()

	w := newLifecycleWatcher(fm.ctx, fm, frame, []LifecycleEvent{LifecycleEventLoad}, time.Second)
	defer w.dispose()

	// A new navigation attempt starts (new loader id) and reaches the
	// load milestone.
	fm.frameLifecycleEvent(&cdppage.EventLifecycleEvent{
		FrameID: "fid_main", LoaderID: "loader_next", Name: "init",
	})
	fm.frameLifecycleEvent(&cdppage.EventLifecycleEvent{
		FrameID: "fid_main", LoaderID: "loader_next", Name: "load",
	})

	select {
	case <-w.newDocumentDone():
	case err := <-w.terminated():
		require.NoError(t, err)
	case <-time.After(time.Second):
		require.FailNow(t, "watcher did not observe the new document")
	}

	select {
	case <-w.sameDocumentDone():
		require.FailNow(t, "same-document outcome must not fire for a new document")
	default:
	}
}

func TestLifecycleWatcherWithholdsUntilNavigation(t *testing.T) {
	t.Parallel()

	fm := newTestFrameManager(t)
	navigateMainFrame(t, fm, "fid_main", "https://example.com/")
	fm.frameLifecycleEvent(&cdppage.EventLifecycleEvent{
		FrameID: "fid_main", LoaderID: cdp.LoaderID("loader_fid_main"), Name: "load",
	})
	frame := fm.MainFrame()

	// The milestone is already satisfied when the watcher starts.
	w := newLifecycleWatcher(fm.ctx, fm, frame, []LifecycleEvent{LifecycleEventLoad}, time.Second)
	defer w.dispose()

	select {
	case <-w.lifecycleDone():
	case <-time.After(time.Second):
		require.FailNow(t, "lifecycle outcome did not fire for a satisfied milestone")
	}

	// But the navigation outcomes wait for the loader to actually change.
	select {
	case <-w.newDocumentDone():
		require.FailNow(t, "new-document outcome fired without a navigation")
	case <-w.sameDocumentDone():
		require.FailNow(t, "same-document outcome fired without a navigation")
	case <-time.After(50 * time.Millisecond):
	}

	fm.frameLifecycleEvent(&cdppage.EventLifecycleEvent{
		FrameID: "fid_main", LoaderID: "loader_next", Name: "init",
	})
	fm.frameLifecycleEvent(&cdppage.EventLifecycleEvent{
		FrameID: "fid_main", LoaderID: "loader_next", Name: "load",
	})

	select {
	case <-w.newDocumentDone():
	case <-time.After(time.Second):
		require.FailNow(t, "watcher did not observe the navigation")
	}
}

func TestLifecycleWatcherSameDocumentNavigation(t *testing.T) {
	t.Parallel()

	fm := newTestFrameManager(t)
	navigateMainFrame(t, fm, "fid_main", "https://example.com/")
	fm.frameLifecycleEvent(&cdppage.EventLifecycleEvent{
		FrameID: "fid_main", LoaderID: cdp.LoaderID("loader_fid_main"), Name: "load",
	})
	frame := fm.MainFrame()

	w := newLifecycleWatcher(fm.ctx, fm, frame, []LifecycleEvent{LifecycleEventLoad}, time.Second)
	defer w.dispose()

	fm.frameNavigatedWithinDocument("fid_main", "https://example.com/#anchor")

	select {
	case <-w.sameDocumentDone():
	case <-time.After(time.Second):
		require.FailNow(t, "watcher did not observe the same-document navigation")
	}

	select {
	case <-w.newDocumentDone():
		require.FailNow(t, "new-document outcome must not fire for a same-document navigation")
	default:
	}
}

func TestLifecycleWatcherFrameDetached(t *testing.T) {
	t.Parallel()

	fm := newTestFrameManager(t)
	navigateMainFrame(t, fm, "fid_main", "https://example.com/")
	fm.frameAttached("fid_child", "fid_main")
	child := fm.getFrameByID("fid_child")
	require.NotNil(t, child)

	w := newLifecycleWatcher(fm.ctx, fm, child, []LifecycleEvent{LifecycleEventLoad}, time.Second)
	defer w.dispose()

	fm.frameDetached("fid_child")

	select {
	case err := <-w.terminated():
		require.ErrorIs(t, err, ErrFrameDetached)
	case <-time.After(time.Second):
		require.FailNow(t, "watcher did not observe the detach")
	}
}

func TestLifecycleWatcherWaitsForSubtree(t *testing.T) {
	t.Parallel()

	fm := newTestFrameManager(t)
	navigateMainFrame(t, fm, "fid_main", "https://example.com/")
	fm.frameAttached("fid_child", "fid_main")
	frame := fm.MainFrame()

	w := newLifecycleWatcher(fm.ctx, fm, frame, []LifecycleEvent{LifecycleEventLoad}, time.Second)
	defer w.dispose()

	fm.frameLifecycleEvent(&cdppage.EventLifecycleEvent{
		FrameID: "fid_main", LoaderID: "loader_next", Name: "init",
	})
	fm.frameLifecycleEvent(&cdppage.EventLifecycleEvent{
		FrameID: "fid_main", LoaderID: "loader_next", Name: "load",
	})

	// The child frame has not reached the milestone yet.
	select {
	case <-w.lifecycleDone():
		require.FailNow(t, "lifecycle outcome fired before the subtree was complete")
	case <-time.After(50 * time.Millisecond):
	}

	fm.frameLifecycleEvent(&cdppage.EventLifecycleEvent{
		FrameID: "fid_child", LoaderID: "loader_child", Name: "load",
	})

	select {
	case <-w.newDocumentDone():
	case <-time.After(time.Second):
		require.FailNow(t, "watcher did not complete once the subtree loaded")
	}
}
