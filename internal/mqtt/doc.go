// Package mqtt provides the MQTT bus driver and the Home Assistant
// discovery announcer. The driver is a thin session wrapper around the
// raw paho client: it connects, publishes, and disconnects on demand,
// leaving all retry and backoff policy to the connection supervisor.
package mqtt
