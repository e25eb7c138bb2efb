package scan

const prescriptionPrompt = `You are an expert pharmacist assistant in Taiwan. Analyze the provided image of a "Chronic Disease Continuous Prescription" (慢性病連續處方箋).

Step 1: Extract the list of medications. For each medication, identify:
- Name (Prioritize Brand Name).
- NHI Code (健保代碼): 10-character codes like "AA58292100", "AC...", "BC...". This is very important.
- Dosage (e.g., "1.00 CAP" -> "1 顆", "0.5 TAB" -> "0.5 顆").
- Frequency (e.g., Q12H -> ["09:00", "21:00"], QD -> ["09:00"], PC -> ["13:00"], HS -> ["22:00"]).

Step 2: Do NOT search for images. Just extract the text and NHI codes accurately so the user can search manually.
Leave 'imageUrl' empty.

CRITICAL: You must return ONLY a valid JSON array. Do not use Markdown formatting.
The JSON structure for each item must be:
{
  "name": "string",
  "dosage": "string",
  "nhiCode": "string (optional)",
  "imageUrl": "",
  "frequency": "string",
  "suggestedTimes": ["string", "string"]
}`

const medicineBagPrompt = `You are a Taiwanese pharmacist reading a "Medicine Bag" (藥袋).

Task 1: Identify the Drug Name (English Brand Name or Chinese Name).
Task 2: Identify the usage/frequency instructions (e.g., 每日三次，三餐飯後，睡前，TID, BID).
Task 3: Convert the frequency into specific 24h times based on this standard:
   - Morning/Breakfast (早) -> "09:00"
   - Noon/Lunch (午) -> "13:00"
   - Evening/Dinner (晚) -> "18:00"
   - Bedtime (睡前) -> "22:00"
   - Twice a day (早晚) -> ["09:00", "18:00"]
   - Three times (三餐) -> ["09:00", "13:00", "18:00"]
   - Four times (三餐 + 睡前) -> ["09:00", "13:00", "18:00", "22:00"]

Return JSON ONLY:
{
  "name": "string (The drug name found)",
  "times": ["HH:MM", "HH:MM"]
}`
