package orders

const (
	// TopicOrders carries order lifecycle events; it is also the Redis pub/sub
	// channel real-time listeners subscribe to.
	TopicOrders        = "orders"
	TopicNotifications = "notifications"
)

// Partition key = order_id, so every event of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
