//go:build !linux

package fancontrol

import (
	"fmt"
	"io"
)

func openAlert(lineName string, onFall func()) (io.Closer, error) {
	return nil, fmt.Errorf("fancontrol: alert line %q unsupported on this platform", lineName)
}
