package transport

import (
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"
)

// inNamespace runs fn with the calling thread moved into the named network
// namespace, restoring the original namespace afterwards. An empty name runs
// fn in place.
func inNamespace(name string, fn func() error) error {
	if name == "" {
		return fn()
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return fmt.Errorf("get current netns: %w", err)
	}
	defer orig.Close()

	target, err := netns.GetFromName(name)
	if err != nil {
		return fmt.Errorf("get netns %q: %w", name, err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return fmt.Errorf("enter netns %q: %w", name, err)
	}
	defer netns.Set(orig)

	return fn()
}
