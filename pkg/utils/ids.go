package utils

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	"go.jetify.com/typeid/v2"
)

var (
	snowMu   sync.Mutex
	snowNode *snowflake.Node
)

// SetSnowflakeNode configures the node id used for order and transaction numbers.
// Each running instance must use a distinct node (0..1023).
func SetSnowflakeNode(node int64) error {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return fmt.Errorf("snowflake node %d: %w", node, err)
	}
	snowMu.Lock()
	snowNode = n
	snowMu.Unlock()
	return nil
}

// NewSnowID returns a time-ordered numeric id as a string.
func NewSnowID() string {
	snowMu.Lock()
	if snowNode == nil {
		snowNode, _ = snowflake.NewNode(1)
	}
	n := snowNode
	snowMu.Unlock()
	return n.Generate().String()
}

// NewTypeID returns a prefixed, sortable id such as "cred_01h2xcejqtf2nbrexx3vqjhp41".
func NewTypeID(prefix string) string {
	tid, err := typeid.Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("typeid: invalid prefix %q: %v", prefix, err))
	}
	return tid.String()
}
