package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voxlink/internal/transport"
	"github.com/MrWong99/voxlink/pkg/audio"
)

// TransportStater reports the agent socket state. [session.Controller]
// satisfies it.
type TransportStater interface {
	TransportState() transport.State
}

// DeviceLister lists microphones. [session.Controller] satisfies it.
type DeviceLister interface {
	AvailableDevices(ctx context.Context) ([]audio.DeviceInfo, error)
}

// TransportCheck passes while the agent socket is connected. A socket that
// is reconnecting reports its state.
func TransportCheck(s TransportStater) Checker {
	return Checker{
		Name: "transport",
		Check: func(context.Context) error {
			if st := s.TransportState(); st != transport.StateConnected {
				return fmt.Errorf("agent socket is %s", st)
			}
			return nil
		},
	}
}

// MicrophoneCheck passes when the input driver lists at least one device.
func MicrophoneCheck(l DeviceLister) Checker {
	return Checker{
		Name: "microphone",
		Check: func(ctx context.Context) error {
			devices, err := l.AvailableDevices(ctx)
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				return errors.New("no input device")
			}
			return nil
		},
	}
}
