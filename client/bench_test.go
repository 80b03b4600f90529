package client

import (
	"context"
	"net"
	"testing"

	"fleet-rpc/server"
)

func setupBench(b *testing.B) *Client {
	svr := server.NewServer(nil)
	if err := svr.Register(&Arith{}); err != nil {
		b.Fatal(err)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatal(err)
	}
	go svr.Serve(lis)

	cli := NewClient(lis.Addr().String(), Config{}, nil)
	b.Cleanup(func() {
		cli.Close()
		svr.Shutdown(context.Background())
	})
	return cli
}

// one goroutine, calls back to back
func BenchmarkSerialCall(b *testing.B) {
	cli := setupBench(b)
	ctx := context.Background()
	args := &Args{A: 1, B: 2}
	reply := &Reply{}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := cli.Call(ctx, "Arith.Add", args, reply); err != nil {
			b.Fatal(err)
		}
	}
}

// many goroutines sharing the multiplexed connection
func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupBench(b)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		args := &Args{A: 1, B: 2}
		reply := &Reply{}
		for pb.Next() {
			if err := cli.Call(ctx, "Arith.Add", args, reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
