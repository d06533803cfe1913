// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command cuberd runs the detector array's realtime ingest pipeline: one
// UDP Ingestor fanning out to a Recorder and an Aggregator, all three
// driven from a single process per spec.md §9's re-architecture license.
package main

import (
	"context"
	"encoding/binary"
	"log"
	"os"
	"os/signal"
	"syscall"

	"code.hybscloud.com/cuberd/aggregate"
	"code.hybscloud.com/cuberd/config"
	"code.hybscloud.com/cuberd/supervisor"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "cuberd"
	app.Usage = "realtime ingest pipeline for the photon-counting detector array"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "port",
			Value: 50000,
			Usage: "UDP port the detector boards emit packets to",
		},
		cli.IntFlag{
			Name:  "recvbuf",
			Value: 32 * 1024 * 1024,
			Usage: "kernel receive-buffer hint, in bytes",
		},
		cli.StringFlag{
			Name:  "controldir",
			Value: "/var/run/cuberd",
			Usage: "directory polled for START/STOP/QUIT control files",
		},
		cli.StringFlag{
			Name:  "ramdiskdir",
			Value: "/mnt/ramdisk",
			Usage: "directory where <second>.img/.png files are written",
		},
		cli.StringFlag{
			Name:  "renderer",
			Value: "Bin2PNG",
			Usage: "external binary invoked as \"<renderer> <img-path> <png-path>\" after each flush",
		},
		cli.IntFlag{
			Name:  "recorderqueuecap",
			Value: 8 * 1024 * 1024,
			Usage: "capacity, in bytes, of the in-process stream feeding the Recorder",
		},
		cli.IntFlag{
			Name:  "aggregatorqueuecap",
			Value: 4 * 1024 * 1024,
			Usage: "capacity, in bytes, of the in-process stream feeding the Aggregator",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "log file to append to, default goes to stderr",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "JSON config file, overriding the flags above where it sets a field",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("cuberd: %+v", err)
	}
}

func run(c *cli.Context) error {
	cfg := config.Default()
	cfg.Port = c.Int("port")
	cfg.RecvBuf = c.Int("recvbuf")
	cfg.ControlDir = c.String("controldir")
	cfg.RamdiskDir = c.String("ramdiskdir")
	cfg.Renderer = c.String("renderer")
	cfg.RecorderQueueCap = c.Int("recorderqueuecap")
	cfg.AggregatorQueueCap = c.Int("aggregatorqueuecap")
	cfg.LogFile = c.String("log")

	if path := c.String("c"); path != "" {
		if err := config.ParseJSONFile(&cfg, path); err != nil {
			return errors.Wrap(err, "cuberd: parse JSON config")
		}
	}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrap(err, "cuberd: open log file")
		}
		defer f.Close()
		log.SetOutput(f)
	}

	log.Println("version:", VERSION)
	log.Println("native byte order:", nativeByteOrderName())
	log.Println("listening on port:", cfg.Port, "recvbuf:", cfg.RecvBuf)
	log.Println("control dir:", cfg.ControlDir)
	log.Println("ramdisk dir:", cfg.RamdiskDir)
	log.Println("renderer:", cfg.Renderer)
	log.Println("recorder queue cap:", cfg.RecorderQueueCap, "aggregator queue cap:", cfg.AggregatorQueueCap)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Println("cuberd: received signal:", s, "shutting down")
		cancel()
	}()

	return supervisor.Run(ctx, supervisor.Config{
		Port:               cfg.Port,
		RecvBuf:            cfg.RecvBuf,
		ControlDir:         cfg.ControlDir,
		RamdiskDir:         cfg.RamdiskDir,
		RecorderQueueCap:   cfg.RecorderQueueCap,
		AggregatorQueueCap: cfg.AggregatorQueueCap,
		Render:             renderer(cfg.Renderer),
	})
}

// renderer binds the configured external binary name into an
// aggregate.Renderer. Bin2PNG's default already matches "Bin2PNG"; this
// indirection only matters when an operator points --renderer elsewhere.
func renderer(bin string) aggregate.Renderer {
	if bin == "" || bin == "Bin2PNG" {
		return aggregate.Bin2PNG
	}
	return aggregate.ExternalRenderer(bin)
}

// nativeByteOrderName reports the host's native byte order purely as a
// startup diagnostic. The wire protocol itself never depends on it — every
// field is explicitly big-endian-decoded in package wire — but it is worth
// an operator knowing whether byte-swapping is happening on this host.
func nativeByteOrderName() string {
	return binary.NativeEndian.String()
}
