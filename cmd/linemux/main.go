package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sebas/linemux/internal/api"
	"github.com/sebas/linemux/internal/banner"
	"github.com/sebas/linemux/internal/callmanager"
	"github.com/sebas/linemux/internal/config"
	"github.com/sebas/linemux/internal/events"
	"github.com/sebas/linemux/internal/line/simline"
	"github.com/sebas/linemux/internal/line/sipline"
	"github.com/sebas/linemux/internal/logger"
	"github.com/sebas/linemux/internal/media"
	"github.com/sebas/linemux/internal/phone"
)

// runner is a line with its own transport loop.
type runner interface {
	phone.Line
	Run(ctx context.Context) error
	Close() error
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "linemux:", err)
		os.Exit(2)
	}

	outputs := []io.Writer{os.Stdout}
	if cfg.LogFile != "" {
		f := logger.NewRotatingFile(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		defer f.Close()
		outputs = append(outputs, f)
	}
	log := logger.InitLogger(outputs...)
	logger.SetLevel(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		slog.Error("linemux failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	lineCfgs, err := config.LoadLines(cfg.LinesFile)
	if err != nil {
		return err
	}

	m := callmanager.New(callmanager.Config{
		HoldTimeout:      cfg.HoldTimeout,
		EmergencyNumbers: cfg.EmergencyNumbers,
		Logger:           log,
	})

	var ports *media.PortPool
	if cfg.RTPPortMin > 0 {
		ports = media.NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax)
	}

	var runners []runner
	sipIndex := 0
	for _, lc := range lineCfgs {
		line, r, err := buildLine(cfg, lc, sipIndex, ports, log)
		if err != nil {
			for _, r := range runners {
				r.Close()
			}
			return fmt.Errorf("line %s: %w", lc.ID, err)
		}
		if r != nil {
			runners = append(runners, r)
			sipIndex++
		}
		m.Register(line)
		log.Info("Registered line", "line", lc.ID, "kind", lc.Kind)
	}

	pub, closePub := buildPublisher(cfg, m, log)
	defer closePub()
	fwd := events.NewForwarder(m.Bus(), pub)
	fwd.Start()
	defer fwd.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Run(ctx); err != nil {
			log.Error("Call manager error", "error", err)
		}
	}()

	for _, r := range runners {
		wg.Add(1)
		go func(r runner) {
			defer wg.Done()
			defer r.Close()
			if err := r.Run(ctx); err != nil {
				log.Error("Line transport error", "line", r.ID(), "error", err)
			}
		}(r)
	}

	srv := api.NewServer(m, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(ctx, cfg.APIAddr); err != nil {
			log.Error("API server error", "error", err)
			cancel()
		}
	}()

	ids := make([]string, len(lineCfgs))
	for i, lc := range lineCfgs {
		ids[i] = lc.ID + " (" + lc.Kind + ")"
	}
	banner.Print(os.Stdout, "linemux call control", []banner.ConfigLine{
		{Label: "API", Value: cfg.APIAddr},
		{Label: "Lines", Value: strings.Join(ids, ", ")},
		{Label: "Hold timeout", Value: cfg.HoldTimeout.String()},
		{Label: "Emergency", Value: strings.Join(cfg.EmergencyNumbers, ", ")},
		{Label: "Log level", Value: logger.GetLevel()},
	})

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", "signal", sig)
	case <-ctx.Done():
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn("Shutdown timed out")
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer flushCancel()
	if err := pub.Flush(flushCtx); err != nil {
		log.Warn("Event flush failed", "error", err)
	}
	return nil
}

// buildLine creates the line for lc. SIP lines are also returned as a
// runner.
func buildLine(cfg *config.Config, lc config.LineConfig, sipIndex int, ports *media.PortPool, log *slog.Logger) (phone.Line, runner, error) {
	service, err := lc.Service()
	if err != nil {
		return nil, nil, err
	}

	switch lc.Kind {
	case config.KindSIP:
		sc := lc.SIP
		listen := sc.Listen
		if listen == "" {
			listen = net.JoinHostPort(cfg.SIPBind, strconv.Itoa(cfg.SIPPort+sipIndex))
		}
		advertise := sc.Advertise
		if advertise == "" {
			advertise = cfg.SIPAdvertise
		}
		l, err := sipline.New(sipline.Config{
			ID:            lc.ID,
			ListenAddr:    listen,
			Transport:     sc.Transport,
			AdvertiseAddr: advertise,
			MediaHost:     sc.MediaHost,
			Ports:         ports,
			Proxy:         sc.Proxy,
			User:          sc.User,
			DisplayName:   sc.DisplayName,
			DTMFDuration:  sc.DTMFDuration,
			Logger:        log,
		})
		if err != nil {
			return nil, nil, err
		}
		return l, l, nil

	default:
		return simline.New(simline.Config{
			ID:           lc.ID,
			Kind:         phone.KindRadio,
			Capabilities: lc.Capabilities(),
			ServiceState: service,
			ManualHold:   lc.ManualHold,
			Logger:       log,
		}), nil, nil
	}
}

// buildPublisher combines the configured event exporters. Exporters that
// fail to connect are skipped.
func buildPublisher(cfg *config.Config, m *callmanager.Manager, log *slog.Logger) (events.Publisher, func()) {
	var pubs []events.Publisher

	if cfg.LogEvents {
		pubs = append(pubs, events.NewLoggingPublisher(log))
	}

	if cfg.NATSURL != "" {
		nc := events.DefaultNATSConfig()
		nc.URL = cfg.NATSURL
		if cfg.NATSStream != "" {
			nc.StreamName = cfg.NATSStream
		}
		p, err := events.NewNATSPublisher(nc, log)
		if err != nil {
			log.Warn("NATS export disabled", "url", cfg.NATSURL, "error", err)
		} else {
			pubs = append(pubs, p)
		}
	}

	if cfg.MQTTBroker != "" {
		p, err := events.NewMQTTPublisher(events.MQTTConfig{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTPrefix,
		}, log)
		if err != nil {
			log.Warn("MQTT export disabled", "broker", cfg.MQTTBroker, "error", err)
		} else {
			p.SetStatusSource(m.Snapshot)
			pubs = append(pubs, p)
		}
	}

	var pub events.Publisher
	switch len(pubs) {
	case 0:
		pub = events.NewNoopPublisher()
	case 1:
		pub = pubs[0]
	default:
		pub = events.NewMultiPublisher(pubs...)
	}
	return pub, func() {
		if err := pub.Close(); err != nil {
			log.Warn("Closing event publisher", "error", err)
		}
	}
}
