package electrum

// Example (not executed, for documentation purposes):
//
//   client := electrum.New(electrum.Options{
//       Address: "fulcrum.bitrally.cash:50002",
//       TLS:     &tls.Config{InsecureSkipVerify: true},
//       Log:     logger,
//   })
//   if err := client.Connect(ctx); err != nil {
//       return err
//   }
//   defer client.Close()
//
//   client.OnNotification("blockchain.address.subscribe", func(params json.RawMessage) {
//       n, err := electrum.DecodeAddressNotification(params)
//       if err != nil {
//           return
//       }
//       // fetch fresh unspent outputs for n.Address
//   })
//
//   status, err := client.AddressSubscribe(ctx, address)
