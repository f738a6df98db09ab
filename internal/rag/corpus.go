package rag

// guideExcerpt is one bundled CRA deduction guide excerpt shipped with the
// binary as the default retrieval corpus. A production deployment swaps
// this out for a larger, regularly refreshed corpus via a remote Searcher
// without any change to the CRA-Rules stage.
type guideExcerpt struct {
	id      string
	url     string
	content string
}

var bundledCorpus = []guideExcerpt{
	{
		id:      "cra-t4002-meals",
		url:     "https://www.canada.ca/en/revenue-agency/services/tax/businesses/topics/sole-proprietorships-partnerships/report-business-income-expenses/business-expenses/meals-entertainment-allowable-part.html",
		content: "You can deduct 50% of the lesser of the amount you incurred for food, beverages, and entertainment, and an amount that is reasonable in the circumstances, unless a specific exception applies.",
	},
	{
		id:      "cra-t4002-travel-lodging",
		url:     "https://www.canada.ca/en/revenue-agency/services/tax/businesses/topics/sole-proprietorships-partnerships/report-business-income-expenses/business-expenses/travel.html",
		content: "You can deduct travel expenses you incur to earn business and professional income, including lodging, as long as the trip is mainly for business purposes and the expense is reasonable.",
	},
	{
		id:      "cra-t4002-vehicle-expenses",
		url:     "https://www.canada.ca/en/revenue-agency/services/tax/businesses/topics/sole-proprietorships-partnerships/report-business-income-expenses/motor-vehicle-expenses.html",
		content: "You can deduct expenses you incur to run a motor vehicle you use to earn business income, including fuel, maintenance, and insurance, prorated by the percentage of business use.",
	},
	{
		id:      "cra-t4002-office-supplies",
		url:     "https://www.canada.ca/en/revenue-agency/services/tax/businesses/topics/sole-proprietorships-partnerships/report-business-income-expenses/business-expenses/office-expenses-supplies.html",
		content: "Office expenses do not include items such as furniture, calculators, filing cabinets or other capital equipment. These are capital items and are subject to capital cost allowance rules.",
	},
	{
		id:      "cra-t4002-capital-cost-allowance",
		url:     "https://www.canada.ca/en/revenue-agency/services/tax/businesses/topics/sole-proprietorships-partnerships/claiming-capital-cost-allowance.html",
		content: "Capital property wears out or becomes obsolete over time. You can deduct its cost over several years through the capital cost allowance rather than deducting the full amount in the year you bought it.",
	},
	{
		id:      "cra-gst-hst-input-tax-credits",
		url:     "https://www.canada.ca/en/revenue-agency/services/tax/businesses/topics/gst-hst-businesses/input-tax-credits.html",
		content: "You can claim an input tax credit to recover the GST/HST paid or payable on purchases and expenses related to your commercial activities.",
	},
	{
		id:      "cra-professional-fees",
		url:     "https://www.canada.ca/en/revenue-agency/services/tax/businesses/topics/sole-proprietorships-partnerships/report-business-income-expenses/business-expenses/legal-accounting-other-professional-fees.html",
		content: "You can deduct accounting and legal fees you incur to get advice and help in keeping records, and other professional fees related to earning business income.",
	},
	{
		id:      "cra-travel-taxes-fees",
		url:     "https://www.canada.ca/en/revenue-agency/services/tax/businesses/topics/sole-proprietorships-partnerships/report-business-income-expenses/business-expenses/travel.html",
		content: "Taxes, fees, and other government-imposed charges that are a mandatory part of a business travel expense are deductible along with the underlying fare or lodging cost.",
	},
}
