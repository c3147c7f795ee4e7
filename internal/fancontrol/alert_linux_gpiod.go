//go:build linux

package fancontrol

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

// openAlert requests the named GPIO line as an input and calls onFall for
// every falling edge. ALERT# is active-low and open-drain.
func openAlert(lineName string, onFall func()) (io.Closer, error) {
	chipCandidates := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "gpiochip") {
			chipCandidates = append(chipCandidates, filepath.Join("/dev", name))
		}
	}

	for _, chipPath := range chipCandidates {
		chip, err := gpiocdev.NewChip(chipPath)
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(lineName)
		if err != nil {
			_ = chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset,
			gpiocdev.AsInput,
			gpiocdev.WithFallingEdge,
			gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) { onFall() }),
			gpiocdev.WithConsumer("emcfan-alert"))
		if err != nil {
			_ = chip.Close()
			continue
		}
		return &gpiodAlert{chip: chip, line: line}, nil
	}

	return nil, fmt.Errorf("fancontrol: alert line %q not found (or busy)", lineName)
}

type gpiodAlert struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (a *gpiodAlert) Close() error {
	if a == nil || a.line == nil {
		return nil
	}
	err := a.line.Close()
	a.line = nil
	if a.chip != nil {
		_ = a.chip.Close()
		a.chip = nil
	}
	return err
}
