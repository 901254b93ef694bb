// Package mqtt publishes Home Assistant MQTT discovery messages and
// periodic sensor states so the hub appears as a native HA device with
// availability tracking: its mood, the presence status, the device
// count, today's commands and tokens.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each sensor entity and a birth message ("online") to the availability
// topic. A will message ensures the availability topic transitions to
// "offline" on unexpected disconnects.
//
// When command intake is enabled it also subscribes to a command topic
// and answers each free-text payload on a response topic.
package mqtt
