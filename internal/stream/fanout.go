// ABOUTME: Fans live screen frames from one agent out to many console subscribers.
// ABOUTME: Negotiates capture parameters as the max across subscribers and sheds slow consumers.

package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownSubscription indicates an unsubscribe for an id that is not live.
var ErrUnknownSubscription = errors.New("unknown subscription")

// defaultFrameBuffer is per-subscriber. A live view only cares about the
// most recent frames, so the buffer stays small and overflow drops.
const defaultFrameBuffer = 8

// Frame is one captured screen image in flight to subscribers.
type Frame struct {
	DeviceID     string
	MonitorIndex int
	Bytes        []byte
}

// StreamControl issues capture start/stop requests toward a device. The
// command dispatcher implements this; frames keep flowing regardless of
// whether the device has picked the request up yet.
type StreamControl interface {
	StartStream(deviceID string, quality, fps int) error
	StopStream(deviceID string) error
}

// Subscription is one console's attachment to a device stream. Frames is
// closed when the subscription ends for any reason.
type Subscription struct {
	ID         string
	DeviceID   string
	ConsumerID string
	Frames     <-chan Frame
}

type subscriber struct {
	id         string
	consumerID string
	quality    int
	fps        int
	ch         chan Frame
	closeOnce  sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

type deviceStream struct {
	subs map[string]*subscriber
	// quality/fps most recently requested from the device.
	quality int
	fps     int
}

// Params configures a Fanout.
type Params struct {
	Control        StreamControl
	DefaultQuality int
	DefaultFPS     int
	FrameBuffer    int
	Logger         *slog.Logger
}

// Fanout routes frames from agents to console subscribers and drives the
// device's capture lifecycle from subscriber demand.
type Fanout struct {
	mu      sync.RWMutex
	devices map[string]*deviceStream
	byID    map[string]*subscriber

	control        StreamControl
	defaultQuality int
	defaultFPS     int
	frameBuffer    int
	logger         *slog.Logger
}

// New creates a Fanout.
func New(p Params) *Fanout {
	if p.FrameBuffer <= 0 {
		p.FrameBuffer = defaultFrameBuffer
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Fanout{
		devices:        make(map[string]*deviceStream),
		byID:           make(map[string]*subscriber),
		control:        p.Control,
		defaultQuality: p.DefaultQuality,
		defaultFPS:     p.DefaultFPS,
		frameBuffer:    p.FrameBuffer,
		logger:         p.Logger.With("component", "stream"),
	}
}

// Subscribe attaches a consumer to a device's stream. The first subscriber
// starts capture; later subscribers only re-issue a start when they raise
// the maximum requested quality or frame rate.
func (f *Fanout) Subscribe(deviceID, consumerID string, quality, fps int) (*Subscription, error) {
	if quality <= 0 {
		quality = f.defaultQuality
	}
	if fps <= 0 {
		fps = f.defaultFPS
	}

	sub := &subscriber{
		id:         uuid.New().String(),
		consumerID: consumerID,
		quality:    quality,
		fps:        fps,
		ch:         make(chan Frame, f.frameBuffer),
	}

	f.mu.Lock()
	ds, existed := f.devices[deviceID]
	if !existed {
		ds = &deviceStream{subs: make(map[string]*subscriber)}
		f.devices[deviceID] = ds
	}
	ds.subs[sub.id] = sub
	f.byID[sub.id] = sub

	maxQ, maxFPS := ds.maxDemand()
	needStart := !existed || maxQ > ds.quality || maxFPS > ds.fps
	if needStart {
		ds.quality = maxQ
		ds.fps = maxFPS
	}
	f.mu.Unlock()

	if needStart {
		f.logger.Info("starting screen stream", "device_id", deviceID, "quality", maxQ, "fps", maxFPS)
		if err := f.control.StartStream(deviceID, maxQ, maxFPS); err != nil {
			f.removeSubscriber(sub.id)
			return nil, fmt.Errorf("starting stream for %s: %w", deviceID, err)
		}
	}

	return &Subscription{ID: sub.id, DeviceID: deviceID, ConsumerID: consumerID, Frames: sub.ch}, nil
}

// Unsubscribe detaches one subscription. The last subscriber stops the
// device's capture; removing a non-final subscriber never touches the
// device, even when it lowers the maximum demand, because the remaining
// subscribers' streams must continue uninterrupted.
func (f *Fanout) Unsubscribe(subscriptionID string) error {
	deviceID, last, ok := f.removeSubscriber(subscriptionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, subscriptionID)
	}
	if last {
		f.logger.Info("stopping screen stream", "device_id", deviceID)
		if err := f.control.StopStream(deviceID); err != nil {
			return fmt.Errorf("stopping stream for %s: %w", deviceID, err)
		}
	}
	return nil
}

// UnsubscribeConsumer detaches every subscription held by one consumer,
// issuing stops for devices it was the last subscriber of. Used when a
// console connection drops.
func (f *Fanout) UnsubscribeConsumer(consumerID string) {
	f.mu.RLock()
	var ids []string
	for id, sub := range f.byID {
		if sub.consumerID == consumerID {
			ids = append(ids, id)
		}
	}
	f.mu.RUnlock()

	for _, id := range ids {
		if err := f.Unsubscribe(id); err != nil && !errors.Is(err, ErrUnknownSubscription) {
			f.logger.Warn("cleanup unsubscribe failed", "subscription_id", id, "error", err)
		}
	}
}

// DropDevice tears down all subscriptions for a device without issuing a
// stop. Used when the device disconnects and there is nothing to stop.
func (f *Fanout) DropDevice(deviceID string) {
	f.mu.Lock()
	ds, ok := f.devices[deviceID]
	if !ok {
		f.mu.Unlock()
		return
	}
	delete(f.devices, deviceID)
	closing := make([]*subscriber, 0, len(ds.subs))
	for id, sub := range ds.subs {
		delete(f.byID, id)
		closing = append(closing, sub)
	}
	f.mu.Unlock()

	for _, sub := range closing {
		sub.close()
	}
	f.logger.Info("dropped stream subscriptions for offline device", "device_id", deviceID, "count", len(closing))
}

// PublishFrame delivers a frame to every current subscriber of the device.
// A subscriber with a full buffer misses this frame; stale frames have no
// value in a live view, so nothing is ever queued beyond the channel buffer.
func (f *Fanout) PublishFrame(deviceID string, frameBytes []byte, monitorIndex int) {
	frame := Frame{DeviceID: deviceID, MonitorIndex: monitorIndex, Bytes: frameBytes}

	f.mu.RLock()
	defer f.mu.RUnlock()

	ds, ok := f.devices[deviceID]
	if !ok {
		return
	}
	for _, sub := range ds.subs {
		select {
		case sub.ch <- frame:
		default:
			f.logger.Debug("dropping frame for slow subscriber",
				"device_id", deviceID, "subscription_id", sub.id)
		}
	}
}

// SubscriberCount reports how many subscriptions a device currently has.
func (f *Fanout) SubscriberCount(deviceID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if ds, ok := f.devices[deviceID]; ok {
		return len(ds.subs)
	}
	return 0
}

// removeSubscriber detaches one subscription and reports the device it
// belonged to and whether it was the device's last subscriber.
func (f *Fanout) removeSubscriber(subscriptionID string) (deviceID string, last, ok bool) {
	f.mu.Lock()
	sub, found := f.byID[subscriptionID]
	if !found {
		f.mu.Unlock()
		return "", false, false
	}
	delete(f.byID, subscriptionID)

	for did, ds := range f.devices {
		if _, member := ds.subs[subscriptionID]; member {
			delete(ds.subs, subscriptionID)
			deviceID = did
			if len(ds.subs) == 0 {
				delete(f.devices, did)
				last = true
			}
			break
		}
	}
	f.mu.Unlock()

	sub.close()
	return deviceID, last, true
}

func (ds *deviceStream) maxDemand() (quality, fps int) {
	for _, sub := range ds.subs {
		if sub.quality > quality {
			quality = sub.quality
		}
		if sub.fps > fps {
			fps = sub.fps
		}
	}
	return quality, fps
}
