package events

const (
	TopicLeaseLifecycle = "osdhcpc:events:lease:lifecycle"
	TopicClientFatal    = "osdhcpc:events:client:fatal"
)
