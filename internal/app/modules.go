package app

import (
	"github.com/nfrund/rufer/internal/module"
	"github.com/nfrund/rufer/internal/modules/chat"
	"github.com/nfrund/rufer/internal/modules/users"
)

// NewModules returns the modules the server boots, in boot order.
func NewModules() []module.Module {
	return []module.Module{
		users.New(),
		chat.New(),
	}
}
