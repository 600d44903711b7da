package main

import (
	"context"
	"time"

	"github.com/spf13/viper"

	"github.com/jingkaihe/redirfs/pkg/api"
	"github.com/jingkaihe/redirfs/pkg/control"
)

const clientTimeout = 10 * time.Second

// withClient dials the control socket and runs fn with a bounded context.
func withClient(fn func(ctx context.Context, c *control.Client) error) error {
	sock := viper.GetString("control.socket")
	if sock == "" {
		sock = api.DefaultControlSocket
	}

	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()

	c, err := control.Dial(ctx, sock)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}
