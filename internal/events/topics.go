package events

// Topic constants for domain events emitted by the booking flow.
const (
	TopicOrderReserved      = "order.reserved"
	TopicOrderCanceled      = "order.canceled"
	TopicEquipmentAdded     = "order.equipment_added"
	TopicEquipmentRemoved   = "order.equipment_removed"
	TopicEarningsRecomputed = "earnings.recomputed"
)

// DefaultTopics returns every topic the booking flow emits.
func DefaultTopics() []string {
	return []string{
		TopicOrderReserved,
		TopicOrderCanceled,
		TopicEquipmentAdded,
		TopicEquipmentRemoved,
		TopicEarningsRecomputed,
	}
}
