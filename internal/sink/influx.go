package sink

import (
	"fmt"
	"log"
	"strconv"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"emcfan/internal/emc2305"
)

type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Influx batches readings into the "fan" measurement.
type Influx struct {
	client influxdb2.Client
	w      api.WriteAPI
}

func NewInflux(cfg InfluxConfig) (*Influx, error) {
	if cfg.URL == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("sink: influxdb url and bucket are required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	w := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range w.Errors() {
			log.Printf("sink: influxdb write: %v", err)
		}
	}()
	return &Influx{client: client, w: w}, nil
}

func newFanPoint(r emc2305.Reading) *write.Point {
	return influxdb2.NewPoint("fan",
		map[string]string{
			"channel": strconv.Itoa(r.Channel),
			"name":    r.Name,
		},
		map[string]interface{}{
			"rpm":     r.RPM,
			"raw":     int64(r.Raw),
			"stalled": r.Stalled,
		},
		r.At,
	)
}

func (in *Influx) PublishRPM(r emc2305.Reading) {
	in.w.WritePoint(newFanPoint(r))
}

func (in *Influx) Close() {
	in.w.Flush()
	in.client.Close()
}
