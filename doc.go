// Package eftl is a Go client for the eFTL publish/subscribe messaging
// service. It speaks the WebSocket+JSON wire protocol directly to an eFTL
// server: login/handshake, publish/subscribe, request/reply, and key/value
// maps, with automatic reconnect and resubscribe.
//
// A minimal publisher:
//
//	session, err := eftl.Connect(ctx, "ws://localhost:9191/channel", &eftl.Options{
//		Username: "user",
//		Password: "pass",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer session.Disconnect()
//
//	msg := eftl.NewMessage()
//	msg.SetString("text", "hello")
//	if err := session.Publish(ctx, msg, 5*time.Second); err != nil {
//		log.Fatal(err)
//	}
//
// A subscriber:
//
//	_, err = session.Subscribe(ctx, eftl.SubscribeOptions{Matcher: `{"type":"chat"}`}, func(m *eftl.Message) {
//		text, _ := m.GetString("text")
//		fmt.Println(text)
//	})
package eftl
