package ofx

import "strings"

// aggregates are the elements that hold other elements. Any other element is a leaf, even when its
// value is empty, so tag soup can close it at the next tag.
var aggregates = makeSet(
	"OFX",
	// sign on
	"SIGNONMSGSRQV1", "SIGNONMSGSRSV1", "SONRQ", "SONRS", "FI", "STATUS",
	"MFACHALLENGERQ", "MFACHALLENGERS", "MFACHALLENGE", "MFAPHRASEA", "MFACHALLENGEANSWER",
	"MFACHALLENGEMSGSRQV1", "MFACHALLENGEMSGSRSV1", "MFACHALLENGETRNRQ", "MFACHALLENGETRNRS",
	"PINCHRQ", "PINCHRS", "PINCHTRNRQ", "PINCHTRNRS", "CHALLENGERQ", "CHALLENGERS",
	"CHALLENGETRNRQ", "CHALLENGETRNRS",
	// account info
	"SIGNUPMSGSRQV1", "SIGNUPMSGSRSV1", "ACCTINFOTRNRQ", "ACCTINFOTRNRS", "ACCTINFORQ", "ACCTINFORS",
	"ACCTINFO", "BANKACCTINFO", "CCACCTINFO", "INVACCTINFO", "BPACCTINFO", "PRESACCTINFO",
	"BANKACCTFROM", "BANKACCTTO", "CCACCTFROM", "CCACCTTO", "INVACCTFROM", "INVACCTTO",
	// bank and credit card statements
	"BANKMSGSRQV1", "BANKMSGSRSV1", "CREDITCARDMSGSRQV1", "CREDITCARDMSGSRSV1",
	"STMTTRNRQ", "STMTTRNRS", "STMTRQ", "STMTRS", "CCSTMTTRNRQ", "CCSTMTTRNRS", "CCSTMTRQ", "CCSTMTRS",
	"STMTENDTRNRQ", "STMTENDTRNRS", "STMTENDRQ", "STMTENDRS", "CCSTMTENDTRNRQ", "CCSTMTENDTRNRS",
	"CCSTMTENDRQ", "CCSTMTENDRS", "CLOSING", "CCCLOSING",
	"INCTRAN", "BANKTRANLIST", "STMTTRN", "PAYEE", "CURRENCY", "ORIGCURRENCY", "IMAGEDATA",
	"LEDGERBAL", "AVAILBAL", "BALLIST", "BAL", "REWARDINFO", "MKTGINFO",
	// investment statements
	"INVSTMTMSGSRQV1", "INVSTMTMSGSRSV1", "INVSTMTTRNRQ", "INVSTMTTRNRS", "INVSTMTRQ", "INVSTMTRS",
	"INCPOS", "INVTRANLIST", "INVBANKTRAN", "INVPOSLIST", "INVBAL", "INV401K", "INV401KBAL",
	"INVOOLIST", "INVTRAN", "SECID", "BUYDEBT", "BUYMF", "BUYOPT", "BUYOTHER", "BUYSTOCK",
	"SELLDEBT", "SELLMF", "SELLOPT", "SELLOTHER", "SELLSTOCK", "INVBUY", "INVSELL",
	"CLOSUREOPT", "INCOME", "INVEXPENSE", "JRNLFUND", "JRNLSEC", "MARGININTEREST", "REINVEST",
	"RETOFCAP", "SPLIT", "TRANSFER", "POSDEBT", "POSMF", "POSOPT", "POSOTHER", "POSSTOCK", "INVPOS",
	"OODEBT", "OOMF", "OOOPT", "OOOTHER", "OOSTOCK", "OO", "OOBUYDEBT", "OOBUYMF", "OOBUYOPT",
	"OOBUYOTHER", "OOBUYSTOCK", "OOSELLDEBT", "OOSELLMF", "OOSELLOPT", "OOSELLOTHER", "OOSELLSTOCK",
	"SWITCHMF", "MFASSETCLASS", "FIMFASSETCLASS", "PORTION", "FIPORTION",
	"SECLISTMSGSRQV1", "SECLISTMSGSRSV1", "SECLIST", "SECLISTTRNRQ", "SECLISTTRNRS", "SECLISTRQ",
	"SECLISTRS", "SECRQ", "SECINFO", "DEBTINFO", "MFINFO", "OPTINFO", "OTHERINFO", "STOCKINFO",
	"INCBAL",
	// profile and signup
	"PROFMSGSRQV1", "PROFMSGSRSV1", "PROFTRNRQ", "PROFTRNRS", "PROFRQ", "PROFRS",
	"MSGSETLIST", "SIGNONINFOLIST", "SIGNONINFO", "ENROLLRQ", "ENROLLRS", "ENROLLTRNRQ", "ENROLLTRNRS",
)

func makeSet(names ...string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set
}

// isLeaf returns true if name never holds other elements. Vendor extensions like INTU.XXX may be either.
func isLeaf(name string) bool {
	return !aggregates[name] && !strings.Contains(name, ".")
}
