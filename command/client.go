package command

import (
	"fmt"
	"net"
	"net/rpc"
	"time"

	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"

	"github.com/framepipe/coordinator/api"
)

// dialMaster opens a client connection to a running coordinator, the same
// codec the worker-facing RPC surface uses.
func dialMaster(addr string) (*rpc.Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return msgpackrpc.NewClient(conn), nil
}

func call(addr, method string, args, reply interface{}) error {
	client, err := dialMaster(addr)
	if err != nil {
		return err
	}
	defer client.Close()
	return client.Call("Master."+method, args, reply)
}

func resultError(r api.Result) error {
	if r.Success {
		return nil
	}
	if r.Field != "" {
		return fmt.Errorf("%s: %s", r.Field, r.Msg)
	}
	return fmt.Errorf("%s", r.Msg)
}
