// Package otp checks the codes a provider delivers into a session.
//
// A Policy always checks the shape of a code: its length and its charset.
// In ModeFormat that is all it does, which matches providers that relay a
// server-generated code the device has no way to recompute.
//
// When the application shares a secret with its verification backend, the
// policy can additionally verify the code as TOTP (RFC 6238) or HOTP
// (RFC 4226):
//
//	policy, err := otp.NewPolicy(otp.Config{
//	    Mode:   otp.ModeTOTP,
//	    Secret: "JBSWY3DPEHPK3PXP",
//	    Digits: 6,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := policy.ValidateCode(ctx, code); err != nil {
//	    // err wraps otp.ErrInvalidCode
//	}
//
// Generate returns the code a provider holding the same secret would send,
// which is what the simulated provider in zerotaptest uses.
//
// Policy is safe for concurrent use.
package otp
