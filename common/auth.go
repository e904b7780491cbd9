package common

var authErrorMessages = map[string]string{
	"auth/user-not-found":       "No user found with this email.",
	"auth/wrong-password":       "Incorrect password.",
	"auth/invalid-email":        "Invalid email address.",
	"auth/too-many-requests":    "Too many attempts. Please try again later.",
	"auth/email-already-in-use": "This email is already in use.",
	"auth/weak-password":        "Password should be at least 6 characters.",
}

// AuthErrorMessage maps an identity provider error code to the text shown to
// the user. Unknown codes fall back to the provider's own message, then to a
// generic one.
func AuthErrorMessage(code, providerMessage string) string {
	if msg, ok := authErrorMessages[code]; ok {
		return msg
	}
	if providerMessage != "" {
		return providerMessage
	}
	return "Authentication failed. Please try again."
}
