package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"emcfan/internal/busio"
	"emcfan/internal/config"
	"emcfan/internal/emc2305"
	"emcfan/internal/fancontrol"
	"emcfan/internal/sink"
	"emcfan/internal/web"
)

var (
	openBusFn   = busio.Open
	newMQTTFn   = sink.NewMQTT
	newInfluxFn = sink.NewInflux
	serveWebFn  = web.Serve
)

type runtime struct {
	cfg config.Config

	bus    busio.Bus
	dev    *emc2305.Device
	svc    *fancontrol.Service
	mqtt   *sink.MQTT
	influx *sink.Influx

	handler http.Handler
}

func newRuntime(cfg config.Config, logs *web.LogBuffer) (*runtime, error) {
	drvCfg, err := cfg.Driver()
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg}
	if err := rt.init(drvCfg, logs); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) init(drvCfg emc2305.Config, logs *web.LogBuffer) error {
	cfg := rt.cfg
	var err error

	sinks := sink.Multi{sink.Log{}}
	if cfg.MQTT.Enable {
		rt.mqtt, err = newMQTTFn(sink.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
		})
		if err != nil {
			return err
		}
		sinks = append(sinks, rt.mqtt)
	}
	if cfg.InfluxDB.Enable {
		rt.influx, err = newInfluxFn(sink.InfluxConfig{
			URL:    cfg.InfluxDB.URL,
			Token:  cfg.InfluxDB.Token,
			Org:    cfg.InfluxDB.Org,
			Bucket: cfg.InfluxDB.Bucket,
		})
		if err != nil {
			return err
		}
		sinks = append(sinks, rt.influx)
	}

	rt.bus, err = openBusFn(cfg.BusIO())
	if err != nil {
		return err
	}
	rt.dev, err = emc2305.Build(rt.bus, drvCfg, sinks)
	if err != nil {
		return err
	}

	svcCfg := fancontrol.Config{
		UpdateInterval: cfg.UpdateInterval,
		Schedule:       cfg.Schedule,
	}
	if cfg.Alert.Enable {
		svcCfg.AlertLine = cfg.Alert.Line
	}
	rt.svc = fancontrol.New(rt.dev, svcCfg)
	rt.handler = web.Handler(rt.svc, rt.svc, logs)
	return nil
}

// start launches the polling service and the optional surfaces. cancel is
// called if the web server exits unexpectedly.
func (rt *runtime) start(ctx context.Context, cancel context.CancelFunc) error {
	if err := rt.svc.Start(ctx); err != nil {
		return err
	}
	if rt.mqtt != nil {
		if err := rt.mqtt.ServeDuty(rt.svc); err != nil {
			return err
		}
		log.Printf("mqtt broker=%s prefix=%s", rt.cfg.MQTT.Broker, rt.cfg.MQTT.TopicPrefix)
	}
	if rt.cfg.Web.Enable {
		log.Printf("web listen=%s", rt.cfg.Web.Listen)
		go func() {
			err := serveWebFn(ctx, rt.cfg.Web.Listen, rt.handler)
			if err != nil && ctx.Err() == nil {
				log.Printf("web server stopped: %v", err)
				cancel()
			}
		}()
	}
	return nil
}

// logConfig logs the resolved device configuration with the duty currently
// programmed on each channel.
func (rt *runtime) logConfig() {
	var b strings.Builder
	err := rt.dev.Dump(&b)
	sc := bufio.NewScanner(strings.NewReader(b.String()))
	for sc.Scan() {
		log.Print(sc.Text())
	}
	if err != nil {
		log.Printf("emc2305: duty readback: %v", err)
	}
	sched := rt.cfg.Schedule
	if sched == "" {
		sched = fmt.Sprintf("every %s", rt.cfg.UpdateInterval)
	}
	log.Printf("update schedule=%s", sched)
}

func (rt *runtime) Close() {
	if rt == nil {
		return
	}
	if rt.svc != nil {
		rt.svc.Close()
	}
	if rt.mqtt != nil {
		rt.mqtt.Close()
	}
	if rt.influx != nil {
		rt.influx.Close()
	}
	if rt.bus != nil {
		_ = rt.bus.Close()
	}
}
