package events

// Event enumerates high-level topics inside the execution core.
type Event string

const (
	EventOrderSubmitted  Event = "order.submitted"
	EventOrderAccepted   Event = "order.accepted"
	EventOrderRejected   Event = "order.rejected"
	EventOrderFilled     Event = "order.filled"
	EventOrderCancelled  Event = "order.cancelled"
	EventPositionUpdate  Event = "position.update"
	EventPositionClosed  Event = "position.closed"
	EventDiscrepancy     Event = "reconcile.discrepancy"
	EventCriticalDiscrep Event = "reconcile.critical_discrepancy"
)
