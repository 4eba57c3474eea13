package wirestate

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type addArgs struct {
	A, B int
}

type addReply struct {
	Sum int
}

func TestRegistryInvokesByCode(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(1, func(args addArgs, reply *addReply) error {
		reply.Sum = args.A + args.B
		return nil
	}))

	payload, err := json.Marshal(addArgs{A: 2, B: 3})
	require.NoError(t, err)

	out, err := r.invoke(context.Background(), 1, payload)
	require.NoError(t, err)

	var reply addReply
	require.NoError(t, json.Unmarshal(out, &reply))
	assert.Equal(t, 5, reply.Sum)
}

func TestRegistryPassesContextWhenRequested(t *testing.T) {
	r := NewRegistry()
	var sawDeadline bool
	require.NoError(t, r.Register(2, func(args addArgs, reply *addReply, ctx context.Context) error {
		_, sawDeadline = ctx.Deadline()
		return nil
	}))

	_, err := r.invoke(context.Background(), 2, nil)
	require.NoError(t, err)
	assert.False(t, sawDeadline)
}

func TestRegistryUnknownCode(t *testing.T) {
	r := NewRegistry()
	_, err := r.invoke(context.Background(), 999, nil)
	assert.Error(t, err)
}

func TestRegisterRejectsNonFunction(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(1, "not a function"))
}

func TestRegisterRejectsNonPointerReply(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(1, func(addArgs, addReply) error { return nil }))
}
