// Package notifier delivers job notifications to people.
//
// Messages are queued and sent by a small worker pool with a shared rate
// limit, per-sink retries and optional dedup. A Sink knows one transport:
// Discord webhooks or Telegram chats. JobNotifier binds a job's destination
// to the shared Service.
package notifier
