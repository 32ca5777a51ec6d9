package hub

// event is the tagged union processed by a hub's single consumer. All state
// mutation happens in the loop; producers only post.
type event interface{ isEvent() }

type evSubscribe struct{ sub *Subscriber }
type evUnsubscribe struct{ sub *Subscriber }

type evInput struct {
	sub  *Subscriber
	data []byte
}

type evResize struct {
	sub        *Subscriber
	cols, rows int
}

type evResizeFlush struct{}

type evClaim struct{ sub *Subscriber }
type evRelease struct{ sub *Subscriber }
type evForceRelease struct{ sub *Subscriber }

// evClaimExpired carries the claim generation that scheduled it so a timer
// racing a renewal cannot expire the wrong lease.
type evClaimExpired struct{ gen uint64 }

type evOutput struct {
	data []byte
	seq  uint64
}

// evLost means the output reader failed: the multiplexer session is gone.
type evLost struct{}

type evShutdown struct{}

type evReapCheck struct{ reply chan bool }

type evClaimQuery struct{ reply chan ClaimInfo }

// evRestClaim and evRestRelease back the REST lock endpoints; they act on
// behalf of whichever live subscriber belongs to the user.
type evRestClaim struct {
	userID string
	reply  chan error
}

type evRestRelease struct {
	userID string
	reply  chan error
}

func (evSubscribe) isEvent()    {}
func (evUnsubscribe) isEvent()  {}
func (evInput) isEvent()        {}
func (evResize) isEvent()       {}
func (evResizeFlush) isEvent()  {}
func (evClaim) isEvent()        {}
func (evRelease) isEvent()      {}
func (evForceRelease) isEvent() {}
func (evClaimExpired) isEvent() {}
func (evOutput) isEvent()       {}
func (evLost) isEvent()         {}
func (evShutdown) isEvent()     {}
func (evReapCheck) isEvent()    {}
func (evClaimQuery) isEvent()   {}
func (evRestClaim) isEvent()    {}
func (evRestRelease) isEvent()  {}
