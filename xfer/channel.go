package xfer

import (
	"fmt"

	"github.com/google/uuid"
)

// ServiceChannel is a purpose specific endpoint on a peer, identified by a well known
// 128-bit service class UUID.
type ServiceChannel struct {
	Name string
	UUID uuid.UUID
}

func (c ServiceChannel) String() string {
	return fmt.Sprintf("%s (%s)", c.Name, c.UUID)
}

var (
	// ChannelGeneric is the serial port profile used for browse, details and download.
	ChannelGeneric = ServiceChannel{Name: "generic", UUID: uuid.MustParse("00001101-0000-1000-8000-00805f9b34fb")}

	// ChannelObjectPush is the object push profile used for uploads and receive mode.
	ChannelObjectPush = ServiceChannel{Name: "object-push", UUID: uuid.MustParse("00001105-0000-1000-8000-00805f9b34fb")}

	// ChannelFileAccess is the file transfer profile used for directory browsing.
	ChannelFileAccess = ServiceChannel{Name: "file-access", UUID: uuid.MustParse("00001106-0000-1000-8000-00805f9b34fb")}
)

var serviceChannels = []ServiceChannel{ChannelGeneric, ChannelObjectPush, ChannelFileAccess}

// ParseServiceChannel accepts a channel name or its UUID.
func ParseServiceChannel(s string) (ServiceChannel, error) {
	for _, c := range serviceChannels {
		if c.Name == s {
			return c, nil
		}
	}

	id, err := uuid.Parse(s)
	if err != nil {
		return ServiceChannel{}, fmt.Errorf("unknown service channel %q", s)
	}
	for _, c := range serviceChannels {
		if c.UUID == id {
			return c, nil
		}
	}

	return ServiceChannel{Name: id.String(), UUID: id}, nil
}
