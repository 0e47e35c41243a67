package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"callrpc/codec"
	"callrpc/config"
	"callrpc/message"
	"callrpc/middleware"
	"callrpc/registry"
	"callrpc/server"
	"callrpc/transport"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

func main() {
	// run a server with the bundled targets
	cmdServe := &cli.Command{
		Name:  "serve",
		Usage: "serve the demo targets UserService and Arith",
		Flags: []cli.Flag{
			&cli.PathFlag{Name: "config", Aliases: []string{"c"}, Usage: "config file path"},
			&cli.StringFlag{Name: "listen", Usage: "listen address"},
			&cli.StringFlag{Name: "advertise", Usage: "address advertised in etcd"},
			&cli.DurationFlag{Name: "idle-timeout", Usage: "close connections idle for this long"},
			&cli.DurationFlag{Name: "call-timeout", Usage: "answer calls running longer than this with an error"},
			&cli.StringSliceFlag{Name: "etcd", Usage: "etcd endpoints"},
			&cli.Float64Flag{Name: "rate", Usage: "calls per second, 0 disables"},
			&cli.IntFlag{Name: "burst", Usage: "rate limiter burst"},
			&cli.StringFlag{Name: "log-level", Usage: "panic, fatal, error, warn, info, debug or trace"},
		},
		Action: serve,
	}
	// make a single call
	cmdCall := &cli.Command{
		Name:  "call",
		Usage: "send one call and print the response",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1:8888", Usage: "server address"},
			&cli.StringFlag{Name: "target", Required: true},
			&cli.StringFlag{Name: "method", Required: true},
			&cli.StringSliceFlag{Name: "shape", Usage: "parameter shape, once per argument"},
			&cli.StringSliceFlag{Name: "arg", Usage: "argument as JSON, once per argument"},
			&cli.StringFlag{Name: "codec", Value: "json", Usage: "json or msgpack"},
			&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second},
		},
		Action: call,
	}
	app := &cli.App{
		Name:  "callrpc",
		Usage: "reflective call server",
		Commands: []*cli.Command{
			cmdServe,
			cmdCall,
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, func(), error) {
	conf := config.Default()
	unlock := func() {}
	if path := c.Path("config"); path != "" {
		var err error
		if conf, err = config.Load(path); err != nil {
			return nil, nil, err
		}
		if unlock, err = config.Lock(path); err != nil {
			return nil, nil, err
		}
	}

	if c.IsSet("listen") {
		conf.Listen = c.String("listen")
	}
	if c.IsSet("advertise") {
		conf.Advertise = c.String("advertise")
	}
	if c.IsSet("idle-timeout") {
		conf.IdleTimeout = config.Duration(c.Duration("idle-timeout"))
	}
	if c.IsSet("call-timeout") {
		conf.CallTimeout = config.Duration(c.Duration("call-timeout"))
	}
	if c.IsSet("etcd") {
		conf.Etcd = c.StringSlice("etcd")
	}
	if c.IsSet("rate") {
		conf.RateLimit = c.Float64("rate")
	}
	if c.IsSet("burst") {
		conf.RateBurst = c.Int("burst")
	}
	if c.IsSet("log-level") {
		conf.LogLevel = c.String("log-level")
	}
	if err := conf.Validate(); err != nil {
		unlock()
		return nil, nil, err
	}
	return conf, unlock, nil
}

func serve(c *cli.Context) error {
	conf, unlock, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer unlock()

	logger := conf.Logger()
	table, err := demoTable()
	if err != nil {
		return err
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithIdleTimeout(time.Duration(conf.IdleTimeout)),
	}
	mws := []middleware.Middleware{middleware.LoggingMiddleware(logger)}
	if conf.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(conf.RateLimit, conf.RateBurst))
	}
	if conf.CallTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(time.Duration(conf.CallTimeout)))
	}
	opts = append(opts, server.WithMiddleware(mws...))

	if len(conf.Etcd) > 0 {
		reg, err := registry.NewEtcdRegistry(conf.Etcd, 5*time.Second)
		if err != nil {
			return errors.Wrap(err, "connect etcd")
		}
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg, conf.Advertise, conf.LeaseTTL))
	}

	svr := server.NewServer(table, opts...)
	served := make(chan error, 1)
	go func() {
		served <- svr.Serve(conf.Network, conf.Listen)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-served:
		return err
	case s := <-sig:
		logger.WithField("signal", s.String()).Info("shutting down")
	}
	if err := svr.Shutdown(time.Duration(conf.ShutdownTimeout)); err != nil {
		logger.WithError(err).Warn("shutdown incomplete")
	}
	return <-served
}

func call(c *cli.Context) error {
	ct, ok := codec.ParseCodecType(c.String("codec"))
	if !ok {
		return errors.Errorf("unsupported codec %q", c.String("codec"))
	}
	shapes := c.StringSlice("shape")
	values := parseArgs(c.StringSlice("arg"))
	if len(shapes) != len(values) {
		return errors.Errorf("%d shapes but %d args", len(shapes), len(values))
	}

	tr, err := transport.Dial("tcp", c.String("addr"), ct)
	if err != nil {
		return err
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	resp, err := tr.Call(ctx, c.String("target"), c.String("method"), shapes, values)
	if err != nil {
		return err
	}

	resp.Data = message.Normalize(resp.Data)
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if !resp.OK() {
		return cli.Exit("", 1)
	}
	return nil
}

// parseArgs decodes every argument as JSON. Text that is not JSON is sent as a string.
func parseArgs(args []string) []any {
	values := make([]any, 0, len(args))
	for _, a := range args {
		dec := json.NewDecoder(strings.NewReader(a))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			values = append(values, a)
			continue
		}
		values = append(values, v)
	}
	return values
}
