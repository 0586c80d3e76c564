package memory_test

import (
	"testing"

	"github.com/quarrydb/quarry/internal/engine"
	"github.com/quarrydb/quarry/internal/engine/enginetest"
	"github.com/quarrydb/quarry/internal/engine/memory"
)

func TestEngineConformance(t *testing.T) {
	enginetest.Run(t, func(t *testing.T) engine.Engine {
		return memory.New()
	})
}
