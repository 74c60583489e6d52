// Package api exposes the zero-tap flow as a single Service: provider
// discovery, signature fingerprints, and RequestCode, which listens for a
// code delivered by an installed provider.
//
//	svc, err := api.NewService(api.Config{
//	    PackageName: "com.example.app",
//	    Prober:      prober,
//	    Broadcaster: broadcaster,
//	})
//	if err != nil {
//	    return err
//	}
//	defer svc.Close()
//
//	res := svc.RequestCode(ctx,
//	    func(ev events.Event) { fmt.Println("code:", ev.Code) },
//	    func(ev events.Event) { fmt.Println("error:", ev.ErrorCode) },
//	)
//
// Platform intents are handed to Deliver, which is safe to call from any
// goroutine.
package api
