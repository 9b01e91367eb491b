package events

import (
	log "github.com/sirupsen/logrus"
)

// LogObserver forwards every event to logrus, giving every component an
// always-on observer even with no external subscriber wired up. Grounded
// on STX5-dht's Logger/DebugLogger hook pattern, generalized to the
// tagged event variants defined in this package.
type LogObserver struct {
	Logger *log.Logger
}

func NewLogObserver(logger *log.Logger) *LogObserver {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LogObserver{Logger: logger}
}

func (o *LogObserver) Observe(ev Event) {
	entry := o.Logger.WithField("event", ev.eventName())
	switch e := ev.(type) {
	case NodeDiscovered:
		entry.WithField("node", nodeIDHex(e.ID)).Debug("node discovered")
	case NodeAdded:
		entry.WithFields(log.Fields{"node": nodeIDHex(e.ID), "replaced": e.Replaced}).Debug("node added")
	case PeerDiscovered:
		entry.WithFields(log.Fields{"info_hash": nodeIDHex(e.InfoHash), "endpoint": e.Endpoint}).Debug("peer discovered")
	case InfoHashDiscovered:
		entry.WithFields(log.Fields{"info_hash": nodeIDHex(e.InfoHash), "source": e.Source}).Debug("info hash discovered")
	case MessageSent:
		entry.WithField("to", e.To).Trace("message sent")
	case MessageReceived:
		entry.WithFields(log.Fields{"from": e.From, "tx": e.TxID, "type": e.Type}).Trace("message received")
	case MetadataAcquired:
		entry.WithFields(log.Fields{
			"info_hash":  nodeIDHex(e.InfoHash),
			"name":       e.Name,
			"total_size": e.TotalSize,
		}).Info("metadata acquired")
	case SystemError:
		entry.WithFields(log.Fields{"component": e.Component}).WithError(e.Err).Warn("system error")
	default:
		entry.Debug("unhandled event")
	}
}

func nodeIDHex(id [20]byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 40)
	for i, b := range id {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}
	return string(out)
}
