package relay

// Observer receives relay lifecycle notifications. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	SessionStateChanged(cameraID string, state State, err error)
	SubscriberAttached(cameraID, transport string)
	SubscriberDetached(cameraID, transport string, err error)
	FrameEncoded(cameraID string, size int)
	FrameDropped(cameraID, reason string)
	SourceReconnected(cameraID string)
}

// Observers fans notifications out to several observers.
type Observers []Observer

func (o Observers) SessionStateChanged(cameraID string, state State, err error) {
	for _, obs := range o {
		obs.SessionStateChanged(cameraID, state, err)
	}
}

func (o Observers) SubscriberAttached(cameraID, transport string) {
	for _, obs := range o {
		obs.SubscriberAttached(cameraID, transport)
	}
}

func (o Observers) SubscriberDetached(cameraID, transport string, err error) {
	for _, obs := range o {
		obs.SubscriberDetached(cameraID, transport, err)
	}
}

func (o Observers) FrameEncoded(cameraID string, size int) {
	for _, obs := range o {
		obs.FrameEncoded(cameraID, size)
	}
}

func (o Observers) FrameDropped(cameraID, reason string) {
	for _, obs := range o {
		obs.FrameDropped(cameraID, reason)
	}
}

func (o Observers) SourceReconnected(cameraID string) {
	for _, obs := range o {
		obs.SourceReconnected(cameraID)
	}
}

type nopObserver struct{}

func (nopObserver) SessionStateChanged(string, State, error) {}
func (nopObserver) SubscriberAttached(string, string) {}
func (nopObserver) SubscriberDetached(string, string, error) {}
func (nopObserver) FrameEncoded(string, int) {}
func (nopObserver) FrameDropped(string, string) {}
func (nopObserver) SourceReconnected(string) {}
