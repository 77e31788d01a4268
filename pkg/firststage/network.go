package firststage

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// ConfigureLoopback brings the loopback interface up. The kernel assigns
// the 127.0.0.1 address itself once the link is up.
func ConfigureLoopback() error {
	link, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("lookup loopback: %w", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set loopback up: %w", err)
	}
	return nil
}
