package test

import (
	"context"
	"testing"
	"time"

	"callrpc/codec"
	"callrpc/coerce"
	"callrpc/dispatch"
	"callrpc/message"
	"callrpc/transport"
)

// ---- Setup 公共函数 ----

func setupServerAndClient(b *testing.B, ct codec.CodecType) *transport.ClientTransport {
	svr, addr := startServer(b)
	b.Cleanup(func() { svr.Shutdown(3 * time.Second) })

	cli, err := transport.Dial("tcp", addr, ct)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { cli.Close() })
	return cli
}

func addArgs() []any {
	return []any{map[string]any{"A": 1, "B": 2}}
}

// ---- Benchmark ----

// 场景1: 单 goroutine 串行调用
func BenchmarkSerialCall(b *testing.B) {
	cli := setupServerAndClient(b, codec.CodecTypeJSON)
	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		resp, err := cli.Call(ctx, "Arith", "add", []string{"Args"}, addArgs())
		if err != nil || !resp.OK() {
			b.Fatal(err, resp)
		}
	}
}

// 场景2: 多 goroutine 并发调用（体现多路复用优势）
func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupServerAndClient(b, codec.CodecTypeMsgpack)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			resp, err := cli.Call(ctx, "Arith", "add", []string{"Args"}, addArgs())
			if err != nil || !resp.OK() {
				b.Error(err, resp)
				return
			}
		}
	})
}

// 场景3: 分发核心（不走网络，解析 + 转换 + 反射调用）
func BenchmarkDispatch(b *testing.B) {
	d := dispatch.New(newTable(b))
	req := &message.CallRequest{
		ID:              "bench",
		TargetName:      "Arith",
		MethodName:      "add",
		ParameterShapes: []string{"Args"},
		ParameterValues: addArgs(),
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if resp := d.Dispatch(ctx, req); !resp.OK() {
			b.Fatal(resp.ErrorMessage)
		}
	}
}

// 场景4: 结构化参数转换
func BenchmarkCoerceStructured(b *testing.B) {
	c, err := newTable(b).Resolve("Arith", "add", []string{"Args"})
	if err != nil {
		b.Fatal(err)
	}
	values := addArgs()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := coerce.Coerce(values, c.Params()); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkCodec(b *testing.B, ct codec.CodecType) {
	cdc := codec.GetCodec(ct)
	req := &message.CallRequest{
		ID:              "bench",
		TargetName:      "Arith",
		MethodName:      "add",
		ParameterShapes: []string{"Args"},
		ParameterValues: addArgs(),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(req)
		var out message.CallRequest
		cdc.Decode(data, &out)
	}
}

// 场景5: JSON 编解码性能（不走网络，纯 codec）
func BenchmarkCodecJSON(b *testing.B) {
	benchmarkCodec(b, codec.CodecTypeJSON)
}

// 场景6: MessagePack 编解码性能（不走网络，纯 codec）
func BenchmarkCodecMsgpack(b *testing.B) {
	benchmarkCodec(b, codec.CodecTypeMsgpack)
}
