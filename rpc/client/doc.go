// Package client implements the RPC client of the object server.
//
// A Client wraps a transport and a serializer. Login opens a server session
// and returns a Session proxy whose methods mirror session.Session: each call
// is one request Message carrying the session token. Errors reported by the server
// are returned as *db.Error with their original return code, so callers can
// use db.IsCode and db.CodeOf exactly as they would in process.
//
// Usage Example:
//
//	c, err := client.NewRPCClient(common.ClientConfig{
//		Endpoints:     []string{"http://localhost:8080"},
//		TimeoutSecond: 5,
//		RetryCount:    3,
//	}, http.NewHttpClientTransport(), serializer.NewJSONSerializer())
//	if err != nil {
//		log.Fatal(err)
//	}
//	s, err := c.Login("carol", "secret")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer s.Logout()
//
//	if err := s.OpenTransaction("rename host"); err != nil {
//		log.Fatal(err)
//	}
//	_ = s.SetField(id, "hostname", "alpha.example.org")
//	if err := s.Commit(false); err != nil {
//		log.Fatal(err)
//	}
package client
