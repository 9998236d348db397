package main

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/jawher/mow.cli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"camera-stream-relay/camera"
	"camera-stream-relay/events"
	"camera-stream-relay/metrics"
	"camera-stream-relay/relay"
	"camera-stream-relay/rtsp"
	"camera-stream-relay/server"
)

const (
	appName = "camera-stream-relay"
	appDesc = "relays RTSP cameras to browsers as MJPEG or WebSocket frames"
)

func main() {
	app := cli.App(appName, appDesc)

	addr := app.String(cli.StringOpt{
		Name:   "addr",
		Desc:   "HTTP listen address",
		EnvVar: "RELAY_ADDR",
		Value:  server.DefaultAddr,
	})
	catalogPath := app.String(cli.StringOpt{
		Name:   "cameras",
		Desc:   "camera catalog file (YAML)",
		EnvVar: "RELAY_CAMERAS",
		Value:  "cameras.yaml",
	})
	tokens := app.Strings(cli.StringsOpt{
		Name:   "auth-token",
		Desc:   "accepted viewer bearer tokens, none disables auth",
		EnvVar: "RELAY_AUTH_TOKENS",
	})
	origins := app.Strings(cli.StringsOpt{
		Name:   "allowed-origin",
		Desc:   "allowed WebSocket origins, none allows all",
		EnvVar: "RELAY_ALLOWED_ORIGINS",
	})
	ffmpegBin := app.String(cli.StringOpt{
		Name:   "ffmpeg",
		Desc:   "ffmpeg executable",
		EnvVar: "RELAY_FFMPEG",
		Value:  "ffmpeg",
	})
	width := app.Int(cli.IntOpt{
		Name:   "width",
		Desc:   "decoded frame width",
		EnvVar: "RELAY_WIDTH",
		Value:  server.DefaultWidth,
	})
	height := app.Int(cli.IntOpt{
		Name:   "height",
		Desc:   "decoded frame height",
		EnvVar: "RELAY_HEIGHT",
		Value:  server.DefaultHeight,
	})
	quality := app.Int(cli.IntOpt{
		Name:   "quality",
		Desc:   "JPEG quality 1-100",
		EnvVar: "RELAY_QUALITY",
		Value:  relay.DefaultSessionConfig().Quality,
	})
	frameInterval := app.String(cli.StringOpt{
		Name:   "frame-interval",
		Desc:   "minimum time between frames",
		EnvVar: "RELAY_FRAME_INTERVAL",
		Value:  "100ms",
	})
	grace := app.String(cli.StringOpt{
		Name:   "grace",
		Desc:   "how long an unwatched camera stays connected",
		EnvVar: "RELAY_GRACE",
		Value:  "5s",
	})
	retryBudget := app.Int(cli.IntOpt{
		Name:   "retry-budget",
		Desc:   "consecutive source failures before viewers are disconnected",
		EnvVar: "RELAY_RETRY_BUDGET",
		Value:  relay.DefaultSourceConfig().RetryBudget,
	})
	probe := app.Bool(cli.BoolOpt{
		Name:   "probe",
		Desc:   "send an RTSP DESCRIBE before starting ffmpeg",
		EnvVar: "RELAY_PROBE",
		Value:  true,
	})
	mqttBroker := app.String(cli.StringOpt{
		Name:   "mqtt.broker",
		Desc:   "MQTT broker for lifecycle events, e.g. tcp://localhost:1883",
		EnvVar: "RELAY_MQTT_BROKER",
	})
	mqttClientID := app.String(cli.StringOpt{
		Name:   "mqtt.client-id",
		Desc:   "MQTT client id",
		EnvVar: "RELAY_MQTT_CLIENT_ID",
		Value:  appName,
	})
	mqttPrefix := app.String(cli.StringOpt{
		Name:   "mqtt.prefix",
		Desc:   "MQTT topic prefix",
		EnvVar: "RELAY_MQTT_PREFIX",
		Value:  "relay",
	})
	logLevel := app.String(cli.StringOpt{
		Name:   "log.level",
		Desc:   "log level",
		EnvVar: "RELAY_LOG_LEVEL",
		Value:  "info",
	})
	logFormat := app.String(cli.StringOpt{
		Name:   "log.format",
		Desc:   "log format, text or json",
		EnvVar: "RELAY_LOG_FORMAT",
		Value:  "text",
	})

	app.Action = func() {
		level, err := log.ParseLevel(*logLevel)
		if err != nil {
			log.WithError(err).Fatal("invalid log level")
		}
		log.SetLevel(level)
		if *logFormat == "json" {
			log.SetFormatter(&log.JSONFormatter{})
		} else {
			log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		}

		if err := exec.Command(*ffmpegBin, "-version").Run(); err != nil {
			log.WithError(err).Fatal("ffmpeg is not installed or not in PATH")
		}

		catalog, err := camera.Load(*catalogPath)
		if err != nil {
			log.WithError(err).Fatal("failed to load camera catalog")
		}

		regCfg := relay.DefaultRegistryConfig()
		regCfg.Session.Quality = *quality
		regCfg.Session.Source.RetryBudget = *retryBudget
		regCfg.Session.FrameInterval = mustDuration("frame-interval", *frameInterval)
		regCfg.GracePeriod = mustDuration("grace", *grace)

		prober := &rtsp.Prober{Timeout: server.ProbeTimeout, UserAgent: appName}
		opener := &relay.FFmpegOpener{
			Binary:       *ffmpegBin,
			Width:        *width,
			Height:       *height,
			StallTimeout: regCfg.Session.Source.OpenTimeout,
		}
		if *probe {
			opener.Prober = prober
		}

		var publisher events.Publisher = events.LogPublisher{}
		var mqttPub *events.MQTTPublisher
		if *mqttBroker != "" {
			mqttPub = events.NewMQTTPublisher(events.MQTTConfig{
				Broker:   *mqttBroker,
				ClientID: *mqttClientID,
				QoS:      1,
			})
			publisher = mqttPub
		}
		emitter := events.NewEmitter(*mqttPrefix, publisher, 256)
		m := metrics.New()

		registry := relay.NewRegistry(opener, relay.JPEGEncoder{}, regCfg, relay.Observers{m, emitter})
		m.Watch(registry)

		cfg := server.DefaultConfig()
		cfg.Addr = *addr
		cfg.AllowedOrigins = *origins
		srv := server.New(cfg, server.Deps{
			Registry:   registry,
			Resolver:   catalog,
			Authorizer: server.NewTokenAuthorizer(*tokens),
			Prober:     prober,
			Metrics:    m.Handler(),
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		group, ctx := errgroup.WithContext(ctx)

		if mqttPub != nil {
			connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
			if err := mqttPub.Connect(connectCtx); err != nil {
				log.WithError(err).Warn("mqtt broker not reachable yet, events will be dropped until it is")
			}
			connectCancel()
		}

		group.Go(func() error {
			return srv.Run(ctx)
		})

		group.Go(func() error {
			return emitter.Run(ctx)
		})

		group.Go(func() error {
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
			defer signal.Stop(sigs)

			for {
				select {
				case <-ctx.Done():
					return nil
				case sig := <-sigs:
					if sig != syscall.SIGHUP {
						log.WithField("signal", sig.String()).Info("shutting down")
						cancel()
						return nil
					}
					if err := catalog.Reload(); err != nil {
						log.WithError(err).Error("catalog reload failed, keeping previous cameras")
						continue
					}
					log.WithField("cameras", len(catalog.Cameras())).Info("camera catalog reloaded")
				}
			}
		})

		err = group.Wait()

		log.Info("stopping all streams")
		registry.Close()
		if mqttPub != nil {
			mqttPub.Close()
		}

		if err != nil {
			log.WithError(err).Fatal("stopped")
		}
		log.Info("server exited gracefully")
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("failed to execute application")
	}
}

func mustDuration(name, value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		log.WithError(err).WithField("option", name).Fatal("invalid duration")
	}
	return d
}
