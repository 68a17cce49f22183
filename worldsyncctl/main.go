package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/minefall/worldsync"
)

const WorldSyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `World sync control.

Usage:
    worldsyncctl client-id --jwt=<jwt>
    worldsyncctl watch --url=<url> --jwt=<jwt>
        [--chunk_size=<chunk_size>]
        [--interval=<interval>]
        [--proxy_url=<proxy_url>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --url=<url>                Platform websocket url.
    --jwt=<jwt>                Your platform JWT.
    --chunk_size=<chunk_size>  Chunk edge length in world units.
    --interval=<interval>      Print stats every this many seconds [default: 5].
    --proxy_url=<proxy_url>    Dial the platform through this socks5 proxy.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], WorldSyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if clientId_, _ := opts.Bool("client-id"); clientId_ {
		clientId(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func clientId(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")
	auth := &worldsync.ClientAuth{
		ByJwt: jwt,
	}
	clientId, err := auth.ClientId()
	if err != nil {
		panic(err)
	}
	Out.Printf("%s\n", clientId)
}

func watch(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url, _ := opts.String("--url")
	jwt, _ := opts.String("--jwt")

	settings := worldsync.DefaultSyncSettings()
	if chunkSize, err := opts.Float64("--chunk_size"); err == nil && 0 < chunkSize {
		settings.ChunkSize = chunkSize
	}
	intervalSeconds, err := opts.Int("--interval")
	if err != nil || intervalSeconds <= 0 {
		intervalSeconds = 5
	}

	manager := worldsync.NewSyncManager(ctx, settings)
	defer manager.Close()

	auth := &worldsync.ClientAuth{
		ByJwt:      jwt,
		InstanceId: worldsync.NewId(),
		AppVersion: WorldSyncCtlVersion,
	}
	transportSettings := worldsync.DefaultPlatformTransportSettings()
	if proxyUrl, err := opts.String("--proxy_url"); err == nil {
		transportSettings.ProxyUrl = proxyUrl
	}
	transport := worldsync.NewPlatformTransport(ctx, url, auth, manager.EventLoop(), transportSettings)
	defer transport.Close()

	detach := worldsync.BindTransport(manager, transport)
	defer detach()

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(intervalSeconds) * time.Second):
		}

		Out.Printf(
			"registered=%t handles=%d players=%d npcs=%d ground_items=%d profiles=%d catalog=%d\n",
			manager.LocalActorRegistered(),
			manager.LiveHandleCount(),
			len(manager.Players()),
			len(manager.Npcs()),
			len(manager.GroundItems()),
			len(manager.WorldProfiles()),
			len(manager.CatalogItems()),
		)
	}
}
