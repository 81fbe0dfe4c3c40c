package portal

import "strings"

const (
	ssbPath = "/StudentRegistrationSsb"
	// loginPath is the identity provider's first login step. Failed logins
	// redirect to later steps (e1s2, e1s3, ...).
	loginPath       = "/idp/profile/SAML2/POST/SSO?execution=e1s1"
	loginRetryStart = "/idp/profile/SAML2/POST/SSO?execution=e1s"
)

// links are the absolute endpoints of one portal deployment.
type links struct {
	authAjax       string
	samlLogin      string
	idpSSO         string
	loginPage      string
	selfServiceSSO string

	termSelectReg     string
	termConfirmReg    string
	termConfirmPreReg string
	prepareReg        string
	dashboard         string
	classReg          string
	addCRNItems       string
	batch             string

	sectionDetails string
	enrollmentInfo string
	terms          string
}

func newLinks(baseURL, ssoURL string) links {
	ssb := strings.TrimRight(baseURL, "/") + ssbPath
	sso := strings.TrimRight(ssoURL, "/")
	return links{
		authAjax:       ssb + "/login/authAjax",
		samlLogin:      ssb + "/saml/login",
		idpSSO:         sso + "/idp/profile/SAML2/POST/SSO",
		loginPage:      sso + loginPath,
		selfServiceSSO: ssb + "/saml/SSO",

		termSelectReg:     ssb + "/ssb/term/termSelection?mode=registration",
		termConfirmReg:    ssb + "/ssb/term/search?mode=registration",
		termConfirmPreReg: ssb + "/ssb/term/search?mode=preReg",
		prepareReg:        ssb + "/ssb/prepareRegistration/prepareRegistration",
		dashboard:         ssb + "/ssb/registration",
		classReg:          ssb + "/ssb/classRegistration/classRegistration",
		addCRNItems:       ssb + "/ssb/classRegistration/addCRNRegistrationItems",
		batch:             ssb + "/ssb/classRegistration/submitRegistration/batch",

		sectionDetails: ssb + "/ssb/classRegistration/getSectionDetailsFromCRN",
		enrollmentInfo: ssb + "/ssb/searchResults/getEnrollmentInfo",
		terms:          ssb + "/ssb/classSearch/getTerms",
	}
}
