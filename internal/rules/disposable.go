package rules

// defaultDisposableDomains are throwaway mailbox providers matched by the
// account rule when it does not carry its own list.
var defaultDisposableDomains = []string{
	"10minutemail.com",
	"20minutemail.com",
	"33mail.com",
	"dispostable.com",
	"emailondeck.com",
	"fakeinbox.com",
	"getairmail.com",
	"getnada.com",
	"guerrillamail.com",
	"guerrillamail.net",
	"guerrillamailblock.com",
	"harakirimail.com",
	"maildrop.cc",
	"mailinator.com",
	"mailnesia.com",
	"mintemail.com",
	"mohmal.com",
	"mytemp.email",
	"sharklasers.com",
	"spamgourmet.com",
	"temp-mail.org",
	"tempmail.com",
	"tempmail.net",
	"tempr.email",
	"throwawaymail.com",
	"trashmail.com",
	"yopmail.com",
}

func defaultDisposableSet() map[string]struct{} {
	set := make(map[string]struct{}, len(defaultDisposableDomains))
	for _, d := range defaultDisposableDomains {
		set[d] = struct{}{}
	}
	return set
}
