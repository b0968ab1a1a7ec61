// Package status holds the closed status sets of every tracked entity and the
// transition tables allowed between them.
package status

// Shipment lifecycle.
type Shipment string

const (
	Created        Shipment = "CREATED"
	PickedUp       Shipment = "PICKED_UP"
	AtOriginHub    Shipment = "AT_ORIGIN_HUB"
	InTransit      Shipment = "IN_TRANSIT"
	AtDestHub      Shipment = "AT_DEST_HUB"
	OutForDelivery Shipment = "OUT_FOR_DELIVERY"
	Delivered      Shipment = "DELIVERED"
	Exception      Shipment = "EXCEPTION"
	Returned       Shipment = "RETURNED"
	Cancelled      Shipment = "CANCELLED"
)

var ShipmentGraph = newGraph(Created, map[Shipment][]Shipment{
	Created:        {PickedUp, Exception, Cancelled},
	PickedUp:       {AtOriginHub, InTransit, Exception, Cancelled},
	AtOriginHub:    {InTransit, Exception, Returned},
	InTransit:      {AtDestHub, OutForDelivery, Exception, Returned},
	AtDestHub:      {OutForDelivery, InTransit, Exception, Returned},
	OutForDelivery: {Delivered, AtDestHub, Exception, Returned},
	Exception:      {AtOriginHub, InTransit, AtDestHub, OutForDelivery, Returned, Cancelled},
	Delivered:      {},
	Returned:       {},
	Cancelled:      {},
})

// progress ranks the forward path. Statuses off the path have no rank.
var progress = map[Shipment]int{
	Created:        0,
	PickedUp:       1,
	AtOriginHub:    2,
	InTransit:      3,
	AtDestHub:      4,
	OutForDelivery: 5,
	Delivered:      6,
}

func (s Shipment) Valid() bool    { return ShipmentGraph.Valid(s) }
func (s Shipment) Terminal() bool { return ShipmentGraph.Terminal(s) }
func (s Shipment) String() string { return string(s) }

func (s Shipment) CanTransitionTo(to Shipment) bool {
	return ShipmentGraph.Allows(s, to)
}

// Rank returns the position of s on the forward delivery path.
func (s Shipment) Rank() (int, bool) {
	r, ok := progress[s]
	return r, ok
}

// Regresses reports whether moving from s to to goes backwards on the
// forward path. Moves involving off-path statuses never regress.
func (s Shipment) Regresses(to Shipment) bool {
	from, ok1 := s.Rank()
	next, ok2 := to.Rank()
	return ok1 && ok2 && next < from
}

// Leg of a transport segment.
type Leg string

const (
	LegPlanned   Leg = "PLANNED"
	LegDeparted  Leg = "DEPARTED"
	LegArrived   Leg = "ARRIVED"
	LegCancelled Leg = "CANCELLED"
)

var LegGraph = newGraph(LegPlanned, map[Leg][]Leg{
	LegPlanned:   {LegDeparted, LegCancelled},
	LegDeparted:  {LegArrived},
	LegArrived:   {},
	LegCancelled: {},
})

func (s Leg) Valid() bool { return LegGraph.Valid(s) }

// Bag consolidation unit.
type Bag string

const (
	BagOpen      Bag = "OPEN"
	BagClosed    Bag = "CLOSED"
	BagInTransit Bag = "IN_TRANSIT"
	BagArrived   Bag = "ARRIVED"
)

var BagGraph = newGraph(BagOpen, map[Bag][]Bag{
	BagOpen:      {BagClosed},
	BagClosed:    {BagInTransit},
	BagInTransit: {BagArrived},
	BagArrived:   {},
})

func (s Bag) Valid() bool { return BagGraph.Valid(s) }

// Stop on a driver route.
type Stop string

const (
	StopPending   Stop = "PENDING"
	StopArrived   Stop = "ARRIVED"
	StopCompleted Stop = "COMPLETED"
	StopFailed    Stop = "FAILED"
)

var StopGraph = newGraph(StopPending, map[Stop][]Stop{
	StopPending:   {StopArrived, StopCompleted, StopFailed},
	StopArrived:   {StopCompleted, StopFailed},
	StopCompleted: {},
	StopFailed:    {},
})

func (s Stop) Valid() bool    { return StopGraph.Valid(s) }
func (s Stop) Terminal() bool { return StopGraph.Terminal(s) }

// Route of a driver.
type Route string

const (
	RoutePlanned    Route = "PLANNED"
	RouteInProgress Route = "IN_PROGRESS"
	RouteCompleted  Route = "COMPLETED"
	RouteCancelled  Route = "CANCELLED"
)

var RouteGraph = newGraph(RoutePlanned, map[Route][]Route{
	RoutePlanned:    {RouteInProgress, RouteCompleted, RouteCancelled},
	RouteInProgress: {RouteCompleted, RouteCancelled},
	RouteCompleted:  {},
	RouteCancelled:  {},
})

func (s Route) Valid() bool    { return RouteGraph.Valid(s) }
func (s Route) Terminal() bool { return RouteGraph.Terminal(s) }

// Handoff of custody between branches.
type Handoff string

const (
	HandoffPending  Handoff = "PENDING"
	HandoffApproved Handoff = "APPROVED"
	HandoffRejected Handoff = "REJECTED"
)

var HandoffGraph = newGraph(HandoffPending, map[Handoff][]Handoff{
	HandoffPending:  {HandoffApproved, HandoffRejected},
	HandoffApproved: {},
	HandoffRejected: {},
})

func (s Handoff) Valid() bool { return HandoffGraph.Valid(s) }

// Delivery of one event to one webhook endpoint.
type Delivery string

const (
	DeliveryPending   Delivery = "PENDING"
	DeliveryDelivered Delivery = "DELIVERED"
	DeliveryFailed    Delivery = "FAILED"
)

// FAILED -> PENDING is the manual requeue.
var DeliveryGraph = newGraph(DeliveryPending, map[Delivery][]Delivery{
	DeliveryPending:   {DeliveryDelivered, DeliveryFailed},
	DeliveryDelivered: {},
	DeliveryFailed:    {DeliveryPending},
})

func (s Delivery) Valid() bool { return DeliveryGraph.Valid(s) }
