package memory

import (
	"testing"

	"github.com/artpar/toolgate/adapters/storetest"
	"github.com/artpar/toolgate/ports"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ports.Store {
		return New()
	})
}
