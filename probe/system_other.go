//go:build !linux

package probe

import "errors"

var errUnsupported = errors.New("host sampling is only implemented on linux")

func sampleHost(diskPath string, s *Snapshot) error {
	return errUnsupported
}
