package routerlink

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/routerlink/transport"
)

const portMapTimeout = 10 * time.Second

// mapPorts asks the gateway to forward the listening ports and logs the
// external address when the mapper can report it. Failures are logged only.
func (t *Transports) mapPorts(ctx context.Context) {
	if _, ok := t.mapper.(transport.NoopMapper); ok {
		return
	}

	var ports []mappedPort
	if t.stream != nil {
		ports = append(ports, mappedPort{"tcp", t.stream.LocalPort()})
	}
	if t.datagram != nil {
		ports = append(ports, mappedPort{"udp", t.datagram.LocalPort()})
	}

	t.attempts.Add(1)
	go func() {
		defer t.attempts.Done()

		ctx, cancel := context.WithTimeout(ctx, portMapTimeout)
		defer cancel()

		for _, mp := range ports {
			if err := t.mapper.Map(ctx, mp.proto, mp.port); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Transports.mapPorts",
					"protocol": mp.proto,
					"port":     mp.port,
					"error":    err.Error(),
				}).Warn("Port mapping failed")
				continue
			}
			t.mapped = append(t.mapped, mp)
		}

		if ea, ok := t.mapper.(transport.ExternalAddresser); ok && len(t.mapped) > 0 {
			ip, err := ea.ExternalIP(ctx)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Transports.mapPorts",
					"error":    err.Error(),
				}).Warn("Failed to detect external address")
				return
			}
			logrus.WithFields(logrus.Fields{
				"function":    "Transports.mapPorts",
				"external_ip": ip.String(),
			}).Info("External address detected")
		}
	}()
}

// unmapPorts removes the mappings made by mapPorts. The mapping goroutine
// must have finished.
func (t *Transports) unmapPorts() {
	if len(t.mapped) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), portMapTimeout)
	defer cancel()

	for _, mp := range t.mapped {
		if err := t.mapper.Unmap(ctx, mp.proto, mp.port); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Transports.unmapPorts",
				"protocol": mp.proto,
				"port":     mp.port,
				"error":    err.Error(),
			}).Warn("Failed to remove port mapping")
		}
	}
	t.mapped = nil
}
