//go:build !linux

package bluetooth

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TinygoConnector is only available on Linux builds.
type TinygoConnector struct{}

func NewTinygoConnector(adapterID string, logger *zap.Logger) *TinygoConnector {
	return &TinygoConnector{}
}

func (c *TinygoConnector) Connect(p Peripheral, sink EventSink) (GattLink, error) {
	return nil, &GattError{Op: "connect", Status: StatusRequestNotSupported, Err: errors.New("tinygo backend requires linux")}
}
